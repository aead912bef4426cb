package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"petwatch/internal/alert"
	"petwatch/internal/auth"
	"petwatch/internal/pipeline"
	"petwatch/internal/store"
	"petwatch/internal/tracker"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type modeController interface {
	Mode() (pipeline.PerformanceMode, pipeline.ModeSettings)
	SetMode(ctx context.Context, mode pipeline.PerformanceMode) error
}

type journalReader interface {
	ListEvents(ctx context.Context, filter store.EventFilter) ([]pipeline.Event, error)
	ListSessions(ctx context.Context, limit int) ([]*store.Session, error)
	ListAlerts(ctx context.Context, limit int) ([]store.AlertRecord, error)
}

// api holds the JSON endpoints. Fields left nil disable their routes'
// backing feature and the route answers 404.
type api struct {
	started   time.Time
	sessionID string

	auth        *auth.Authenticator
	modes       modeController
	journal     journalReader
	alerts      interface{ Test(ctx context.Context) error }
	latest      func() *pipeline.Publication
	tracks      func() []tracker.TrackInfo
	pipeline    func() pipeline.CoordinatorStats
	scheduler   func() pipeline.SchedulerStats
	alertStats  func() alert.Stats
	clientCount func() int

	logger *log.Logger
}

type errorBody struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

type healthBody struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	SessionID string                    `json:"session_id"`
	Clients   int                       `json:"clients"`
	Pipeline  pipeline.CoordinatorStats `json:"pipeline"`
	Scheduler pipeline.SchedulerStats   `json:"scheduler"`
	Alerts    *alert.Stats              `json:"alerts,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type modeBody struct {
	Mode     pipeline.PerformanceMode `json:"mode"`
	Settings *pipeline.ModeSettings   `json:"settings,omitempty"`
}

// encode writes v with the given status using goa's content negotiation
func (a *api) encode(ctx context.Context, w http.ResponseWriter, r *http.Request, status int, v any) {
	ctx = context.WithValue(ctx, goahttp.AcceptTypeKey, r.Header.Get("Accept"))
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		a.logger.Printf("[%s] ERROR: encoding: %v", requestID(ctx), err)
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	a.encode(r.Context(), w, r, status, errorBody{Error: msg, ID: requestID(r.Context())})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status:    "ok",
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		SessionID: a.sessionID,
	}
	if a.clientCount != nil {
		body.Clients = a.clientCount()
	}
	if a.pipeline != nil {
		body.Pipeline = a.pipeline()
	}
	if a.scheduler != nil {
		body.Scheduler = a.scheduler()
		if body.Scheduler.ConsecutiveFailures > 0 {
			body.Status = "degraded"
		}
	}
	if a.alertStats != nil {
		s := a.alertStats()
		body.Alerts = &s
	}
	a.encode(r.Context(), w, r, http.StatusOK, body)
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		a.fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := a.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		a.fail(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		a.fail(w, r, http.StatusUnauthorized, err.Error())
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, "failed to issue token")
	default:
		a.encode(r.Context(), w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	pub := a.latest()
	if pub == nil {
		a.fail(w, r, http.StatusServiceUnavailable, "no statistics published yet")
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, pub)
}

func (a *api) liveTracks(w http.ResponseWriter, r *http.Request) {
	if a.tracks == nil {
		a.fail(w, r, http.StatusNotFound, "tracking is not running")
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, a.tracks())
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.fail(w, r, http.StatusNotFound, "event journal is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := store.EventFilter{
		SessionID: q.Get("session"),
		Kind:      pipeline.EventKind(q.Get("kind")),
		Limit:     limit,
	}
	if filter.SessionID == "" {
		filter.SessionID = a.sessionID
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			a.fail(w, r, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	events, err := a.journal.ListEvents(r.Context(), filter)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, events)
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.fail(w, r, http.StatusNotFound, "event journal is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := a.journal.ListSessions(r.Context(), limit)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, sessions)
}

func (a *api) getMode(w http.ResponseWriter, r *http.Request) {
	mode, settings := a.modes.Mode()
	a.encode(r.Context(), w, r, http.StatusOK, modeBody{Mode: mode, Settings: &settings})
}

func (a *api) putMode(w http.ResponseWriter, r *http.Request) {
	var req modeBody
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		a.fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := pipeline.ParsePerformanceMode(string(req.Mode))
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.modes.SetMode(r.Context(), mode); err != nil {
		a.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] Performance mode set to %s", mode)
	a.getMode(w, r)
}

func (a *api) listAlerts(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.fail(w, r, http.StatusNotFound, "event journal is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := a.journal.ListAlerts(r.Context(), limit)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, alerts)
}

func (a *api) testAlert(w http.ResponseWriter, r *http.Request) {
	if err := a.alerts.Test(r.Context()); err != nil {
		a.fail(w, r, http.StatusBadGateway, err.Error())
		return
	}
	a.encode(r.Context(), w, r, http.StatusOK, map[string]string{"status": "sent"})
}
