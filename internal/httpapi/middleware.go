package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/ratelimit"
	"github.com/luna-platform/hub/internal/token"
)

type ctxKey int

const (
	ctxClaims ctxKey = iota
	ctxRequestID
	ctxCorrelationID
)

// ClaimsFrom returns the authenticated claims, nil on anonymous requests.
func ClaimsFrom(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(ctxClaims).(*token.Claims)
	return claims
}

// CorrelationIDFrom returns the request's correlation id.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxCorrelationID).(string)
	return id
}

// requestIDs stamps X-Request-ID and threads X-Correlation-ID end to end.
func (s *Server) requestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		corrID := r.Header.Get("X-Correlation-ID")
		if corrID == "" {
			corrID = reqID
		}
		w.Header().Set("X-Request-ID", reqID)
		w.Header().Set("X-Correlation-ID", corrID)

		ctx := context.WithValue(r.Context(), ctxRequestID, reqID)
		ctx = context.WithValue(ctx, ctxCorrelationID, corrID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// guardianAllowList are the system paths the guardian fails open for.
var guardianAllowList = []string{"/", "/health", "/docs", "/openapi.json"}

func guardianExempt(path string) bool {
	if strings.HasPrefix(path, "/monitoring/") {
		return true
	}
	for _, p := range guardianAllowList {
		if path == p {
			return true
		}
	}
	return false
}

// guardian is the outermost validation layer: body size caps, content type
// on writes, and panic containment. Unexpected validation failures reject
// the request; only the allow-listed system paths bypass it.
func (s *Server) guardian(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				writeError(w, core.NewError(core.CodeInternal, "internal error"))
			}
		}()

		if guardianExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeError(w, core.NewErrorf(core.CodeInvalidInput, "unsupported content type %q", ct))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Security.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ddosFilter is the in-process pre-filter in front of the distributed
// limiter: a token bucket over all traffic that sheds floods before they
// reach the cache.
func (s *Server) ddosFilter(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(1000), 2000)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, core.NewError(core.CodeRateLimited, "server overloaded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces one scope keyed by client IP and surfaces the
// X-RateLimit-* headers.
func (s *Server) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := s.limiter.Check(r.Context(), clientIP(r, s.cfg.Security.TrustProxyFor), scope, &ratelimit.AuditContext{
				UserAgent: r.UserAgent(),
			})
			if err != nil {
				writeError(w, err)
				return
			}
			setRateHeaders(w, decision)
			switch decision.Outcome {
			case ratelimit.Blocked:
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
				writeError(w, core.NewError(core.CodeBlocked, "temporarily blocked").
					WithDetail("scope", scope))
				return
			case ratelimit.Limited:
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
				writeError(w, core.NewError(core.CodeRateLimited, "rate limit exceeded").
					WithDetail("scope", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(d.WindowSeconds))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// authenticate requires a valid access token, from the Authorization header
// or the session cookie, and parks the claims in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r, s.cfg.Auth.CookieName)
		if raw == "" {
			writeError(w, core.NewError(core.CodeUnauthenticated, "missing credentials"))
			return
		}
		claims, err := s.tokens.Signer().Validate(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the JWT from the Authorization header, falling back
// to the HTTPOnly session cookie.
func bearerToken(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// clientIP resolves the caller address, honoring X-Forwarded-For only when
// the deployment says the proxy chain is trusted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i > 0 {
				return strings.TrimSpace(fwd[:i])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
