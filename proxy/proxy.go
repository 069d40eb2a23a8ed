// Package proxy implements the per-request orchestrator (C8): the
// authenticate -> admit -> select-backend -> forward -> meter -> persist
// pipeline that is the core of the gateway.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metergate/gateway/backend"
	"github.com/metergate/gateway/ledger"
	"github.com/metergate/gateway/limiter"
	"github.com/metergate/gateway/observability"
	"github.com/metergate/gateway/pricing"
	"github.com/metergate/gateway/rewrite"
	"github.com/metergate/gateway/sse"
	"github.com/metergate/gateway/tenant"
)

// ModelMapping is read at request time so admin-driven changes to
// enable_model_swapping / model_mapping take effect without a restart.
type ModelMapping interface {
	Enabled() bool
	Mapping() rewrite.Mapping
}

// Pipeline wires C3-C7 and C9 together around one HTTP roundtrip.
type Pipeline struct {
	log      zerolog.Logger
	tenants  *tenant.Store
	limits   *limiter.Engine
	backends *backend.Registry
	pricing  *pricing.Table
	ledger   *ledger.Ledger
	models   ModelMapping
	metrics  *observability.Metrics

	client *http.Client
}

// New builds a Pipeline. upstreamTimeout bounds every single forwarded
// request, matching the spec's 300s hard cap on upstream I/O.
func New(log zerolog.Logger, tenants *tenant.Store, limits *limiter.Engine, backends *backend.Registry,
	pt *pricing.Table, l *ledger.Ledger, models ModelMapping, upstreamTimeout time.Duration, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		log:      log,
		tenants:  tenants,
		limits:   limits,
		backends: backends,
		pricing:  pt,
		ledger:   l,
		models:   models,
		metrics:  metrics,
		client: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

var hopByHopRequestHeaders = map[string]bool{
	"host":          true,
	"authorization": true,
	"x-api-key":     true,
}

var hopByHopResponseHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
}

// ServeHTTP implements the full §4.6 pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Step 1: authenticate.
	key, authScheme, err := p.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
		return
	}

	// Step 2: admission.
	rejection, err := p.limits.CheckAll(r.Context(), key)
	if err != nil {
		p.log.Error().Err(err).Msg("admission check failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "admission check failed")
		return
	}
	if rejection != nil {
		if p.metrics != nil {
			p.metrics.AdmissionRejections.WithLabelValues(string(rejection.Check)).Inc()
		}
		writeRejection(w, rejection)
		return
	}

	// Step 3: select backend.
	be, err := p.backends.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no_backend", "no active backend configured")
		return
	}

	// Step 4: build upstream request.
	body, err := io.ReadAll(io.LimitReader(r.Body, 32*1024*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if p.models != nil {
		body = rewrite.Request(p.models.Enabled(), p.models.Mapping(), body)
	}

	endpoint := strings.TrimPrefix(r.URL.Path, "/v1/")
	upstreamURL := be.BaseURL + "/v1/" + strings.TrimPrefix(endpoint, "/")
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return
	}
	for name, values := range r.Header {
		if hopByHopRequestHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}
	if authScheme == "bearer" {
		upstreamReq.Header.Set("Authorization", "Bearer "+be.APIKey)
	} else {
		upstreamReq.Header.Set("x-api-key", be.APIKey)
	}
	if upstreamReq.Header.Get("anthropic-version") == "" {
		upstreamReq.Header.Set("anthropic-version", "2023-06-01")
	}

	// Step 5: forward and consume the response, feeding the SSE meter as
	// chunks arrive so timing markers reflect real upstream pacing even
	// though the full body is buffered before replying (per spec, client
	// streaming is intentionally not preserved; see SPEC_FULL.md §9).
	meter := sse.NewMeter()
	upstreamStart := time.Now()
	resp, respBody, err := p.forward(upstreamReq, meter)
	if p.metrics != nil {
		p.metrics.UpstreamLatency.Observe(time.Since(upstreamStart).Seconds())
	}
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return // client disconnected; discard, no ledger row
		}
		if isTimeout(err) {
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream request timed out")
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	// Step 6: empty-body shield.
	if resp.StatusCode == http.StatusOK && len(respBody) == 0 {
		writeSyntheticError(w, http.StatusBadGateway, "Empty response from upstream API", "proxy_error")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		// already fed incrementally in forward()
	} else {
		meter.FeedJSON(respBody)
	}

	// Step 7: respond.
	for name, values := range resp.Header {
		if hopByHopResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
	}

	// Step 8: background metering, fire-and-forget.
	go p.meter(key.ID, r.Method, endpoint, meter, start, len(body), len(respBody), resp.StatusCode)
}

func (p *Pipeline) forward(req *http.Request, meter *sse.Meter) (*http.Response, []byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		var buf bytes.Buffer
		chunk := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				meter.Feed(chunk[:n])
			}
			if readErr != nil {
				if readErr == io.EOF {
					break
				}
				return resp, buf.Bytes(), readErr
			}
		}
		return resp, buf.Bytes(), nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, data, err
	}
	return resp, data, nil
}

func (p *Pipeline) meter(tenantKeyID uuid.UUID, method, endpoint string, meter *sse.Meter, start time.Time, reqSize, respSize, statusCode int) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error().Interface("panic", rec).Msg("metering task panicked")
		}
	}()

	model := meter.Model()
	usage := meter.Usage()
	cost := p.pricing.CalculateCost(model, pricing.Usage{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
	})

	p.ledger.Write(ledger.Record{
		TenantKeyID:         tenantKeyID,
		Endpoint:            endpoint,
		Method:              method,
		Model:               model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		TokensUsed:          usage.InputTokens + usage.OutputTokens + usage.CacheCreationTokens + usage.CacheReadTokens,
		Cost:                cost,
		RequestSize:         int64(reqSize),
		ResponseSize:        int64(respSize),
		ProcessingTime:      meter.GenerationTime().Seconds(),
		OutputTPS:           meter.OutputTPS(),
		Timestamp:           time.Now().UTC(),
		StatusCode:          statusCode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.tenants.UpdateLastUsed(ctx, tenantKeyID); err != nil {
		p.log.Warn().Err(err).Msg("metering: failed to update last_used")
	}
}

func (p *Pipeline) authenticate(r *http.Request) (*tenant.Key, string, error) {
	raw, scheme := extractCredential(r)
	if raw == "" {
		return nil, "", fmt.Errorf("API key required")
	}
	key, err := p.tenants.ByHash(r.Context(), tenant.HashKey(raw))
	if err != nil {
		return nil, "", fmt.Errorf("invalid API key")
	}
	return key, scheme, nil
}

// extractCredential returns the raw key value and which header scheme the
// client used ("bearer" or "x-api-key"), matching the original's dual
// auth-header support.
func extractCredential(r *http.Request) (string, string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer "), "bearer"
		}
		return auth, "bearer"
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return strings.TrimPrefix(key, "x-api-key "), "x-api-key"
	}
	return "", ""
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": errType, "message": message},
	})
}

func writeSyntheticError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": errType},
	})
}

func writeRejection(w http.ResponseWriter, rej *limiter.Rejection) {
	d := rej.Decision
	switch rej.Check {
	case limiter.CheckRateName:
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", int64(d.Limit)))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int64(d.Remaining)))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
		w.Header().Set("Retry-After", "3600")
	case limiter.CheckCostName:
		w.Header().Set("X-CostLimit-Limit", fmt.Sprintf("%.8f", d.Limit))
		w.Header().Set("X-CostLimit-Remaining", fmt.Sprintf("%.8f", d.Remaining))
		w.Header().Set("X-CostLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
		w.Header().Set("Retry-After", "3600")
	case limiter.CheckQuotaName:
		w.Header().Set("X-DailyQuota-Limit", fmt.Sprintf("%.8f", d.Limit))
		w.Header().Set("X-DailyQuota-Remaining", fmt.Sprintf("%.8f", d.Remaining))
		w.Header().Set("X-DailyQuota-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
		w.Header().Set("Retry-After", "86400")
	}
	writeError(w, http.StatusTooManyRequests, string(rej.Check), fmt.Sprintf("%s exceeded", rej.Check))
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
