package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// loggingWriter tracks a dashboard response. The request metric is registered
// when the status code is written, the response is logged with the registry it
// was about when the handler is done.
type loggingWriter struct {
	W     http.ResponseWriter // Calls are forwarded.
	Start time.Time
	R     *http.Request

	Op       string // Set by router.
	Registry string // Set by router, for pages and actions about a registry.

	// Set while writing.
	StatusCode int
	Size       int64
	WriteErr   error
}

func (w *loggingWriter) Header() http.Header {
	return w.W.Header()
}

func (w *loggingWriter) setStatusCode(statusCode int) {
	if w.StatusCode != 0 {
		return
	}
	w.StatusCode = statusCode

	method := strings.ToLower(w.R.Method)
	switch method {
	case "get", "post":
	default:
		method = "(other)"
	}
	metricRequest.WithLabelValues(method, w.Op, fmt.Sprintf("%d", w.StatusCode)).Observe(float64(time.Since(w.Start)) / float64(time.Second))
}

func (w *loggingWriter) Write(buf []byte) (int, error) {
	if w.StatusCode == 0 {
		w.setStatusCode(http.StatusOK)
	}

	n, err := w.W.Write(buf)
	if n > 0 {
		w.Size += int64(n)
	}
	if err != nil && w.WriteErr == nil {
		w.WriteErr = err
	}
	return n, err
}

func (w *loggingWriter) WriteHeader(statusCode int) {
	w.setStatusCode(statusCode)
	w.W.WriteHeader(statusCode)
}

// done logs the response. Failed requests about a registry, typically a
// registry that is down or misbehaving, are logged as warnings, the others
// only with -debug.
func (w *loggingWriter) done() {
	if w.StatusCode == 0 {
		// Handler did not write anything.
		w.setStatusCode(http.StatusOK)
	}
	l := log.WithFields(log.Fields{
		"method":   w.R.Method,
		"path":     w.R.URL.Path,
		"op":       w.Op,
		"status":   w.StatusCode,
		"size":     w.Size,
		"duration": time.Since(w.Start),
	})
	if w.Registry != "" {
		l = l.WithField("registry", w.Registry)
	}
	if w.WriteErr != nil && !isClosed(w.WriteErr) {
		l = l.WithError(w.WriteErr)
	}
	if w.StatusCode >= 500 {
		l.Warn("dashboard request failed")
	} else {
		l.Debug("dashboard request")
	}
}

// requestRegistry returns the name of the registry a dashboard request is about,
// from the path for pages or from the query string for actions.
func requestRegistry(r *http.Request, args []string) string {
	if strings.HasPrefix(r.URL.Path, "/registry/") && len(args) > 0 {
		return args[0]
	}
	return r.URL.Query().Get("registry_name")
}
