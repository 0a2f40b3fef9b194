// Package ginidem adapts the idempotency engine to gin.
package ginidem

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// Middleware returns a gin handler enforcing idempotency for the routes
// that follow it in the chain.
func Middleware(engine *idempotency.Engine) gin.HandlerFunc {
	headerName := engine.Config().HeaderName

	return func(c *gin.Context) {
		key, apply, err := engine.Admit(c.Request)
		if err != nil {
			abortWithError(c, headerName, key, err)
			return
		}
		if !apply {
			c.Next()
			return
		}

		req, err := engine.NewRequest(c.Request, key)
		if err != nil {
			abortWithError(c, headerName, key, err)
			return
		}

		original := c.Writer
		result, err := engine.Process(c.Request.Context(), req, func(ctx context.Context) (*idempotency.CachedResponse, error) {
			return serveBuffered(ctx, c)
		})
		c.Writer = original

		if err != nil {
			var pe *idempotency.PanicError
			if errors.As(err, &pe) {
				panic(pe.Value)
			}
			abortWithError(c, headerName, key, err)
			return
		}

		idempotency.WriteResult(c.Writer, headerName, key, result)
		c.Abort()
	}
}

func abortWithError(c *gin.Context, headerName, key string, err error) {
	_ = c.Error(err)
	idempotency.WriteError(c.Writer, headerName, key, err)
	c.Abort()
}

// serveBuffered runs the rest of the chain against a buffering writer
func serveBuffered(ctx context.Context, c *gin.Context) (resp *idempotency.CachedResponse, err error) {
	w := newBufferedWriter(c.Writer)
	c.Writer = w
	c.Request = c.Request.WithContext(ctx)

	defer func() {
		if v := recover(); v != nil {
			err = &idempotency.PanicError{Value: v}
		}
	}()

	c.Next()
	return w.response(), nil
}

// bufferedWriter captures the response so the engine decides what reaches
// the client
type bufferedWriter struct {
	gin.ResponseWriter
	header  http.Header
	body    bytes.Buffer
	status  int
	written bool
}

func newBufferedWriter(w gin.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{
		ResponseWriter: w,
		header:         make(http.Header),
		status:         http.StatusOK,
	}
}

func (w *bufferedWriter) Header() http.Header {
	return w.header
}

func (w *bufferedWriter) WriteHeader(code int) {
	if code > 0 && !w.written {
		w.status = code
	}
}

func (w *bufferedWriter) WriteHeaderNow() {
	w.written = true
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.written = true
	return w.body.WriteString(s)
}

func (w *bufferedWriter) Status() int {
	return w.status
}

func (w *bufferedWriter) Size() int {
	if !w.written {
		return -1
	}
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool {
	return w.written
}

func (w *bufferedWriter) Flush() {}

func (w *bufferedWriter) response() *idempotency.CachedResponse {
	return &idempotency.CachedResponse{
		StatusCode: w.status,
		Headers:    w.header.Clone(),
		Body:       bytes.Clone(w.body.Bytes()),
	}
}
