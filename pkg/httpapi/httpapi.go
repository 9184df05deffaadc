// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package httpapi exposes the bridge's control surface over HTTP.
//
// A request to the sensor path carries a command token, taken from the
// request body when it is non-empty and from the raw query string
// otherwise. The response is the command's acknowledgement or, for any
// token that names no command, the status blob.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
)

// MaxTokenSize caps the request body read as a token.
const MaxTokenSize = 1024

// Doer runs a control request on the bridge.
type Doer interface {
	Do(ctx context.Context, token string) (bridge.Reply, error)
}

type Options struct {
	// Path serves control requests. Defaults to /sensor.
	Path string
	// MetricsPath serves Gatherer when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer
	Logger      logrus.FieldLogger
}

// NewHandler builds the mux for the control surface, /health and metrics.
func NewHandler(d Doer, opts Options) http.Handler {
	if opts.Path == "" {
		opts.Path = "/sensor"
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	mux := http.NewServeMux()
	mux.Handle(opts.Path, &sensorHandler{doer: d, log: opts.Logger})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "OK\n")
	})
	if opts.MetricsPath != "" && opts.Gatherer != nil {
		mux.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

type sensorHandler struct {
	doer Doer
	log  logrus.FieldLogger
}

func (h *sensorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := Token(r)
	if err != nil {
		h.log.WithError(err).Warn("Failed to read control request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	reply, err := h.doer.Do(r.Context(), token)
	if err != nil {
		if errors.Is(err, bridge.ErrStopped) {
			http.Error(w, "bridge stopped", http.StatusServiceUnavailable)
			return
		}
		// Client went away while queued.
		h.log.WithError(err).Debug("Control request abandoned")
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}

	h.log.WithFields(logrus.Fields{
		"token":   token,
		"command": reply.Command,
		"remote":  r.RemoteAddr,
	}).Debug("Control request")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, reply.String()+"\n")
}

// Token extracts the command token from a control request.
func Token(r *http.Request) (string, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxTokenSize))
		if err != nil {
			return "", err
		}
	}
	if len(body) > 0 {
		return string(body), nil
	}
	return r.URL.RawQuery, nil
}
