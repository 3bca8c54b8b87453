// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/soothill/switchmeter/mirror"
	"github.com/soothill/switchmeter/pkg/interfaces"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/switches"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

const readinessCheckTimeout = 2 * time.Second

// Toggler applies a power state change to a stored switch.
type Toggler interface {
	ApplyToggle(ctx context.Context, identity string, requestedOn bool) (*switches.Record, error)
}

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// APIConfig carries the collaborators of the HTTP API.
type APIConfig struct {
	Store      interfaces.SwitchStore
	Toggler    Toggler
	Mirror     *mirror.Mirror
	Dispatcher interfaces.CommandDispatcher
	Readiness  []ReadinessCheck
	// Clock stamps new records; defaults to time.Now.
	Clock func() time.Time
}

// API serves the switch, mirror and operational endpoints.
type API struct {
	store      interfaces.SwitchStore
	toggler    Toggler
	mirror     *mirror.Mirror
	dispatcher interfaces.CommandDispatcher
	readiness  []ReadinessCheck
	clock      func() time.Time
	log        zerolog.Logger

	apiLimiter    *rate.Limiter
	healthLimiter *rate.Limiter
	readyLimiter  *rate.Limiter
}

// NewAPI creates the API handler set.
func NewAPI(cfg APIConfig) *API {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &API{
		store:         cfg.Store,
		toggler:       cfg.Toggler,
		mirror:        cfg.Mirror,
		dispatcher:    cfg.Dispatcher,
		readiness:     cfg.Readiness,
		clock:         cfg.Clock,
		log:           logger.Component("api"),
		apiLimiter:    rate.NewLimiter(100, 200),
		healthLimiter: rate.NewLimiter(10, 20),
		readyLimiter:  rate.NewLimiter(10, 20),
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Handle("/metrics", promhttp.Handler())
	r.With(rateLimit(a.healthLimiter)).Get("/health", a.handleHealth)
	r.With(rateLimit(a.readyLimiter)).Get("/ready", a.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(a.apiLimiter))

		r.Route("/switches", func(r chi.Router) {
			r.Get("/", a.handleListSwitches)
			r.Post("/", a.handleCreateSwitch)
			r.Put("/", a.handleLegacyToggle)
			r.Get("/{id}", a.handleGetSwitch)
			r.Put("/{id}/state", a.handleToggle)
		})

		r.Post("/action/{id}", a.handleAction)

		r.Get("/mirror", a.handleMirrorSnapshot)
		r.Post("/mirror", a.handleMirrorSet)
		r.Get("/mirror/{device}", a.handleMirrorGet)
	})

	return r
}

// SwitchView is a switch record as returned by the API.
type SwitchView struct {
	*switches.Record
	DeviceID string `json:"deviceId"`
}

func viewOf(rec *switches.Record) SwitchView {
	return SwitchView{Record: rec, DeviceID: switches.DeviceIdentity(rec)}
}

// decodeJSON reads the request body into v. A body that is not valid JSON
// for v is answered with 400 bad_request and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (a *API) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(recs, func(rec *switches.Record, _ int) SwitchView {
		return viewOf(rec)
	}))
}

func (a *API) handleCreateSwitch(w http.ResponseWriter, r *http.Request) {
	var req switches.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := switches.NewRecord(req, a.clock())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	created, err := a.store.Create(r.Context(), rec)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	a.log.Info().
		Int64("switch_id", created.ID).
		Str("device_id", switches.DeviceIdentity(created)).
		Float64("power_rating", created.PowerRating).
		Float64("electricity_rate", created.ElectricityRate).
		Msg("Switch created")
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (a *API) handleGetSwitch(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type toggleRequest struct {
	IsOn *bool `json:"isOn"`
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsOn == nil {
		writeDomainError(w, r, apperrors.NewValidationError("isOn", nil, "is required and must be a boolean"))
		return
	}
	a.toggle(w, r, chi.URLParam(r, "id"), *req.IsOn)
}

type legacyToggleRequest struct {
	ID   json.RawMessage `json:"id"`
	IsOn *bool           `json:"isOn"`
}

// handleLegacyToggle accepts {"id": 3, "isOn": true} where id is either the
// numeric store id or a switchId string.
func (a *API) handleLegacyToggle(w http.ResponseWriter, r *http.Request) {
	var req legacyToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := identityFromRaw(req.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.IsOn == nil {
		writeDomainError(w, r, apperrors.NewValidationError("isOn", nil, "is required and must be a boolean"))
		return
	}
	a.toggle(w, r, identity, *req.IsOn)
}

func identityFromRaw(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", apperrors.NewValidationError("id", nil, "is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
			return "", apperrors.NewValidationError("id", string(raw), "must be a number or a non-empty string")
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", apperrors.NewValidationError("id", string(raw), "must be a number or a non-empty string")
	}
	if _, err := n.Int64(); err != nil {
		return "", apperrors.NewValidationError("id", string(raw), "must be an integer")
	}
	return n.String(), nil
}

func (a *API) toggle(w http.ResponseWriter, r *http.Request, identity string, on bool) {
	if strings.TrimSpace(identity) == "" {
		writeDomainError(w, r, apperrors.NewValidationError("id", identity, "is required"))
		return
	}
	rec, err := a.toggler.ApplyToggle(r.Context(), identity, on)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type actionRequest struct {
	TurnOn *bool `json:"turnOn"`
}

// ActionResponse acknowledges a direct command.
type ActionResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"`
}

// handleAction publishes a command straight to the broker. The stored
// switch record is not read or changed.
func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TurnOn == nil {
		writeDomainError(w, r, apperrors.NewValidationError("turnOn", nil, "is required and must be a boolean"))
		return
	}

	deviceID := chi.URLParam(r, "id")
	if err := a.dispatcher.Send(r.Context(), deviceID, *req.TurnOn); err != nil {
		if apperrors.IsValidationError(err) {
			writeDomainError(w, r, err)
			return
		}
		a.log.Warn().Err(err).Str("device_id", deviceID).Bool("on", *req.TurnOn).Msg("Direct command failed")
		writeError(w, http.StatusBadGateway, ErrCodeDispatch, "failed to send command to device")
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{
		Success:  true,
		DeviceID: deviceID,
		Command:  string(mirror.FromBool(*req.TurnOn)),
	})
}

func (a *API) handleMirrorGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.mirror.Get(chi.URLParam(r, "device")))
}

func (a *API) handleMirrorSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mirror.Snapshot())
}

type mirrorSetRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (a *API) handleMirrorSet(w http.ResponseWriter, r *http.Request) {
	var req mirrorSetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := mirror.ParseState(req.State)
	if err != nil {
		writeDomainError(w, r, apperrors.NewValidationError("state", req.State, "must be ON or OFF"))
		return
	}
	if err := a.mirror.Set(req.ID, state); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mirror.Entry{Identity: req.ID, State: state})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		a.log.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	var failed []string
	for _, rc := range a.readiness {
		if err := rc.Check(ctx); err != nil {
			a.log.Warn().Err(err).Str("dependency", rc.Name).Msg("Readiness check failed")
			failed = append(failed, rc.Name)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	body := "READY"
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusServiceUnavailable
		body = "NOT READY: " + strings.Join(failed, ", ") + " unhealthy"
	}
	w.WriteHeader(status)
	if _, writeErr := w.Write([]byte(body)); writeErr != nil {
		a.log.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
