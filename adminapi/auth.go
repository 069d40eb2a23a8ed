package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login verifies the admin username/password against the configured bcrypt
// hash and issues a short-lived HS256 JWT, matching the original's
// OAuth2PasswordBearer login flow minus the cookie/session machinery (see
// SPEC_FULL.md §1). Credentials are read from a urlencoded form body when
// the request declares one, and from a JSON body otherwise.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed login body")
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed login body")
		return
	}
	if req.Username != a.adminUsername {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid username or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.adminPasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid username or password")
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": req.Username,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(a.accessTokenExpireMinutes) * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.secretKey))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to sign token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{AccessToken: signed, TokenType: "bearer"})
}

type contextKey string

const subjectContextKey contextKey = "admin_subject"

// RequireAuth validates the bearer JWT on every admin/usage route except
// /admin/login, rejecting with 401 on any parse, signature, or expiry
// failure.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(authz, "Bearer ")

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(a.secretKey), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or expired token")
			return
		}

		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), subjectContextKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
