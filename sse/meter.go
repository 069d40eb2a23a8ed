// Package sse parses the Anthropic Messages API wire format (both the SSE
// event stream and the plain-JSON non-streaming shape) to recover the
// model name and four token counts a completed request consumed, along
// with first/last-token timestamps for throughput reporting.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Usage is the four token counts the Anthropic API reports.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Meter accumulates usage and timing information as it observes either SSE
// lines (via Feed) or a full JSON body (via FeedJSON). It never fails: a
// response it cannot parse just leaves Model() as "unknown" and all
// counters at zero, matching the original's defensive record_stats.
type Meter struct {
	model          string
	usage          Usage
	firstTokenTime time.Time
	lastTokenTime  time.Time
	started        time.Time
}

// NewMeter returns a Meter, stamping the request start time used to derive
// processing_time as a fallback when no token timestamps were observed.
func NewMeter() *Meter {
	return &Meter{model: "unknown", started: time.Now()}
}

// message_start payload shape.
type messageStartEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// message_delta payload shape: output_tokens is reported as a running
// total nested under "delta.usage", per the upstream wire contract.
type messageDeltaEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Usage struct {
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"delta"`
}

// Feed processes one raw SSE event stream chunk (which may contain
// multiple "data: ..." lines). Call it once per chunk read off the
// upstream response body as it streams in.
func (m *Meter) Feed(chunk []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(chunk))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		m.feedEvent([]byte(data))
	}
}

func (m *Meter) feedEvent(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.Type {
	case "message_start":
		var ev messageStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		m.model = ev.Message.Model
		m.usage = Usage{
			InputTokens:         ev.Message.Usage.InputTokens,
			OutputTokens:        ev.Message.Usage.OutputTokens,
			CacheCreationTokens: ev.Message.Usage.CacheCreationInputTokens,
			CacheReadTokens:     ev.Message.Usage.CacheReadInputTokens,
		}
	case "content_block_delta":
		if m.firstTokenTime.IsZero() {
			m.firstTokenTime = time.Now()
		}
		m.lastTokenTime = time.Now()
		m.checkSecondaryModel(data)
	case "content_block_start", "message":
		m.checkSecondaryModel(data)
	case "message_delta":
		m.lastTokenTime = time.Now()
		var ev messageDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		// message_delta REPLACES output_tokens, it does not add to it,
		// matching the original's literal assignment semantics.
		m.usage.OutputTokens = ev.Delta.Usage.OutputTokens
	}
}

// checkSecondaryModel looks for a top-level "model" field on events that
// aren't message_start, used as a fallback model source when message_start
// was absent or didn't carry one, matching the original's
// _extract_model_from_response secondary lookup.
func (m *Meter) checkSecondaryModel(data []byte) {
	if m.model != "" && m.model != "unknown" {
		return
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Model == "" {
		return
	}
	m.model = probe.Model
}

// FeedJSON parses a complete non-streaming JSON response body, reading
// "model" and "usage" from the document root.
func (m *Meter) FeedJSON(body []byte) {
	var doc struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return
	}
	if doc.Model != "" {
		m.model = doc.Model
	}
	m.usage = Usage{
		InputTokens:         doc.Usage.InputTokens,
		OutputTokens:        doc.Usage.OutputTokens,
		CacheCreationTokens: doc.Usage.CacheCreationInputTokens,
		CacheReadTokens:     doc.Usage.CacheReadInputTokens,
	}
}

// Model returns the observed model name, or "unknown" if none was seen.
func (m *Meter) Model() string {
	if m.model == "" {
		return "unknown"
	}
	return m.model
}

// Usage returns the accumulated token counts.
func (m *Meter) Usage() Usage {
	return m.usage
}

// GenerationTime returns last-token-time minus first-token-time when both
// were observed and output tokens are positive; otherwise it falls back to
// elapsed wall-clock time since the meter was created, matching the
// original's processing_time fallback.
func (m *Meter) GenerationTime() time.Duration {
	if !m.firstTokenTime.IsZero() && !m.lastTokenTime.IsZero() && m.usage.OutputTokens > 0 {
		if d := m.lastTokenTime.Sub(m.firstTokenTime); d > 0 {
			return d
		}
	}
	return time.Since(m.started)
}

// OutputTPS returns output tokens per second of generation time, or 0 if
// either is non-positive.
func (m *Meter) OutputTPS() float64 {
	secs := m.GenerationTime().Seconds()
	if secs <= 0 || m.usage.OutputTokens <= 0 {
		return 0
	}
	return float64(m.usage.OutputTokens) / secs
}
