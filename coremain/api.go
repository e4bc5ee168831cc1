/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/engine"
	"github.com/domainscope/domainscope/pkg/resource"
)

// lookupTimeout bounds one api request. Slow kinds come back pending and
// finish in the background.
const lookupTimeout = 20 * time.Second

// Lookup is the part of the engine the api needs.
type Lookup interface {
	Get(ctx context.Context, name string, kind resource.Kind) (engine.View, error)
	LookupAll(ctx context.Context, name string) ([]engine.View, error)
	Touch(ctx context.Context, name string) error
}

type apiResource struct {
	Kind      resource.Kind   `json:"kind"`
	State     engine.State    `json:"state"`
	Reason    resource.Reason `json:"reason,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	Source    string          `json:"source,omitempty"`
	FetchedAt *time.Time      `json:"fetched_at,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type apiDomain struct {
	Domain    string        `json:"domain"`
	Resources []apiResource `json:"resources"`
}

type apiError struct {
	Error string `json:"error"`
}

func toAPIResource(v engine.View) apiResource {
	r := apiResource{Kind: v.Kind, State: v.State, Reason: v.Reason}
	if c := v.Resource; c != nil {
		r.Source = c.SourceLabel
		fetchedAt, expiresAt := c.FetchedAt, c.ExpiresAt
		r.FetchedAt, r.ExpiresAt = &fetchedAt, &expiresAt
		r.Stale = v.State == engine.StatePending
		if json.Valid(c.Payload) {
			r.Data = json.RawMessage(c.Payload)
		}
	}
	return r
}

type apiHandler struct {
	lookup Lookup
	logger *zap.Logger
}

// newAPIHandler builds the http api. metricsReg may be nil.
func newAPIHandler(l Lookup, metricsReg *prometheus.Registry, logger *zap.Logger) http.Handler {
	h := &apiHandler{lookup: l, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metricsReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/{name}", http.HandlerFunc(pprof.Index))

	r.Route("/api/v1/domains/{domain}", func(r chi.Router) {
		r.Get("/", h.getDomain)
		r.Get("/{kind}", h.getKind)
	})
	return r
}

func (h *apiHandler) getDomain(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "domain")
	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	views, err := h.lookup.LookupAll(ctx, name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.touch(ctx, name)

	out := apiDomain{Domain: name, Resources: make([]apiResource, 0, len(views))}
	for _, v := range views {
		out.Domain = v.Domain
		out.Resources = append(out.Resources, toAPIResource(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) getKind(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "domain")
	kind, err := resource.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	v, err := h.lookup.Get(ctx, name, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.touch(ctx, name)

	status := http.StatusOK
	if v.State == engine.StatePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, struct {
		Domain string `json:"domain"`
		apiResource
	}{Domain: v.Domain, apiResource: toAPIResource(v)})
}

// touch records the access. A failure only costs revalidation accuracy.
func (h *apiHandler) touch(ctx context.Context, name string) {
	if err := h.lookup.Touch(context.WithoutCancel(ctx), name); err != nil {
		h.logger.Warn("failed to record access", zap.String("domain", name), zap.Error(err))
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resource.ErrInvalidDomain):
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
	case errors.Is(err, engine.ErrUnknownKind), errors.Is(err, engine.ErrNoFetcher):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	default:
		h.logger.Error("lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
