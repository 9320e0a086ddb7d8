package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-ai/veritas/internal/auth"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyBody      contextKey = "raw_body"
)

// RequestIDFromContext extracts the request ID assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func rawBodyFromContext(ctx context.Context) []byte {
	if b, ok := ctx.Value(contextKeyBody).([]byte); ok {
		return b
	}
	return nil
}

// requestIDMiddleware assigns a request ID, accepting well-formed
// client-supplied ones.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !isValidRequestID(reqID) {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// loggingMiddleware logs each request with structured fields, level scaled
// by status class.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// recoveryMiddleware converts downstream panics into a generic 503.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()))
				writeError(w, http.StatusServiceUnavailable, errKindInternal, "pipeline failure")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware sets the hardening headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware reflects only explicitly allowed origins. Wildcards were
// already dropped at config load; an empty list disables CORS entirely.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originSet[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Timestamp, X-Nonce, X-Signature, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var (
	tracer           = otel.Tracer("veritas/http")
	httpMeter        = otel.GetMeterProvider().Meter("veritas/http")
	httpRequestCount otelmetric.Int64Counter
	httpDuration     otelmetric.Float64Histogram
)

func init() {
	httpRequestCount, _ = httpMeter.Int64Counter("http.server.request_count")
	httpDuration, _ = httpMeter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))
}

// tracingMiddleware records an OTEL span plus count/duration metrics per
// request, keyed by route pattern to bound cardinality.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}
		next.ServeHTTP(sw, r.WithContext(ctx))

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.Method + " " + r.URL.Path
		}
		span.SetName(pattern)
		span.SetAttributes(attribute.Int("http.status_code", sw.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", pattern),
			attribute.String("http.status_code", strconv.Itoa(sw.statusCode)),
		}
		httpRequestCount.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		httpDuration.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
	})
}

// requireAuth wraps an authenticated route: rate limit, body-size admission,
// then HMAC verification — or a reviewer JWT on read-only routes when
// allowJWT is set.
func (s *Server) requireAuth(allowJWT bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = clientIP(r)
		}
		res := s.limiter.Allow(key)
		for k, v := range res.Headers() {
			w.Header().Set(k, v)
		}
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(res.ResetAt).Seconds())+1, 10))
			writeError(w, http.StatusTooManyRequests, errKindRateLimit, "rate limit exceeded")
			return
		}

		body, ok := s.admitBody(w, r)
		if !ok {
			return
		}

		if allowJWT && r.Method == http.MethodGet {
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				if _, err := s.jwtMgr.ValidateToken(strings.TrimPrefix(header, "Bearer ")); err == nil {
					next(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, errKindAdmission, "invalid or expired token")
				return
			}
		}

		err := s.admission.Verify(auth.Headers{
			APIKey:    r.Header.Get("X-API-Key"),
			Timestamp: r.Header.Get("X-Timestamp"),
			Nonce:     r.Header.Get("X-Nonce"),
			Signature: r.Header.Get("X-Signature"),
		}, body, time.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, errKindAdmission, admissionDetail(err))
			return
		}

		next(w, r)
	}
}

// admitBody enforces the Content-Length contract for body-carrying methods
// and returns the raw bytes (also stashed in the request context for HMAC
// re-use). GET/HEAD requests pass through with an empty body.
func (s *Server) admitBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, true
	}

	lengthHeader := r.Header.Get("Content-Length")
	if lengthHeader == "" {
		writeError(w, http.StatusBadRequest, errKindAdmission, "missing Content-Length")
		return nil, false
	}
	length, err := strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil || length < 0 {
		writeError(w, http.StatusBadRequest, errKindAdmission, "unparseable Content-Length")
		return nil, false
	}
	if length > s.cfg.MaxRequestBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errKindTooLarge, "request body too large")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errKindAdmission, "unreadable request body")
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxRequestBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errKindTooLarge, "request body too large")
		return nil, false
	}

	*r = *r.WithContext(context.WithValue(r.Context(), contextKeyBody, body))
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

func admissionDetail(err error) string {
	switch err {
	case auth.ErrTimestampRange:
		return "Timestamp out of range"
	case auth.ErrReplay:
		return "Replay"
	case auth.ErrMissingCredentials:
		return "missing credentials"
	default:
		return "invalid credentials"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
