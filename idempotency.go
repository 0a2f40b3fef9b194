// Package idempotency provides HTTP middleware for idempotent request handling.
// It guarantees that a state-changing operation runs at most once per
// idempotency key: repeated requests receive the original response instead of
// re-executing the side effect. Coordination between concurrent requests and
// processes goes through a shared Store with TTL entries and leased locks.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Middleware returns an HTTP middleware that enforces idempotency.
// Requests with a configured method must carry a valid key; the first one
// runs the handler, later ones get the cached response.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	return NewEngine(store, opts...).Handler
}

// Handler wraps next with the engine
func (e *Engine) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, apply, err := e.Admit(r)
		if err != nil {
			WriteError(w, e.cfg.HeaderName, key, err)
			return
		}
		if !apply {
			next.ServeHTTP(w, r)
			return
		}

		req, err := e.NewRequest(r, key)
		if err != nil {
			WriteError(w, e.cfg.HeaderName, key, err)
			return
		}

		result, err := e.Process(r.Context(), req, func(ctx context.Context) (*CachedResponse, error) {
			return serveRecorded(next, r.WithContext(ctx))
		})
		if err != nil {
			var pe *PanicError
			if errors.As(err, &pe) {
				panic(pe.Value)
			}
			if StatusCode(err) == http.StatusInternalServerError {
				e.log.Error("idempotent request failed", "key", key, "path", r.URL.Path, "error", err)
			}
			WriteError(w, e.cfg.HeaderName, key, err)
			return
		}

		WriteResult(w, e.cfg.HeaderName, key, result)
	})
}

// Admit decides whether r is deduplicated. It returns the key and true for
// requests that must go through Process, false for pass-through, and a
// validation error for applicable requests with a missing or malformed key.
func (e *Engine) Admit(r *http.Request) (string, bool, error) {
	if !e.cfg.Enabled || !e.validator.Applies(r.Method) {
		e.telemetry.RecordMetric(r.Context(), MetricSkipped, 1)
		return "", false, nil
	}

	key := strings.TrimSpace(r.Header.Get(e.cfg.HeaderName))
	if err := e.validator.Validate(key); err != nil {
		e.telemetry.RecordMetric(r.Context(), MetricError, 1)
		e.log.Debug("rejected idempotency key", "path", r.URL.Path, "error", err)
		return key, false, err
	}
	return key, true, nil
}

// NewRequest describes r for Process
func (e *Engine) NewRequest(r *http.Request, key string) (Request, error) {
	req := Request{
		Key:            key,
		Method:         r.Method,
		Endpoint:       r.URL.Path,
		ClientIdentity: e.cfg.ClientIdentity(r),
		ClientIP:       ClientIP(r),
	}
	if req.ClientIdentity == "" {
		req.ClientIdentity = AnonymousClient
	}
	if e.cfg.FingerprintPayload {
		fp, err := PayloadFingerprint(r)
		if err != nil {
			return Request{}, fmt.Errorf("reading request body: %w", err)
		}
		req.Fingerprint = fp
	}
	return req, nil
}

// PayloadFingerprint hashes method, path and body. The body is restored so
// the handler can still read it.
func PayloadFingerprint(r *http.Request) (string, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return "", err
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.Path))
	h.Write(body)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ClientIP returns the originating client address, preferring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serveRecorded runs next against a buffer. A panic in next is returned as a
// *PanicError so the engine can clean up before it is re-raised.
func serveRecorded(next http.Handler, r *http.Request) (resp *CachedResponse, err error) {
	rec := newResponseRecorder()
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, &PanicError{Value: v}
		}
	}()

	next.ServeHTTP(rec, r)
	return rec.response(), nil
}

// responseRecorder captures an HTTP response for caching
type responseRecorder struct {
	header      http.Header
	statusCode  int
	wroteHeader bool
	body        *bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     make(http.Header),
		statusCode: http.StatusOK,
		body:       &bytes.Buffer{},
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = statusCode
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

func (r *responseRecorder) response() *CachedResponse {
	return &CachedResponse{
		StatusCode: r.statusCode,
		Headers:    r.header.Clone(),
		Body:       r.body.Bytes(),
	}
}
