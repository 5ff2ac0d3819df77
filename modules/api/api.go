// Package api is the operator-facing read/write surface consumed by the UI.
// Authentication is an upstream concern; requests arrive already scoped to a
// client via the X-Scope-ClientID header.
package api

import (
	"encoding/json"
	"flag"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/httputil"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

// ScopeHeader carries the client id on every operator request.
const ScopeHeader = "X-Scope-ClientID"

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vigil",
	Name:      "api_requests_total",
	Help:      "The total number of operator API requests by route and code.",
}, []string{"route", "code"})

type Config struct {
	// MaxPageSize caps list endpoints regardless of the requested limit.
	MaxPageSize int `yaml:"max_page_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxPageSize, prefix+".max-page-size", 100, "Maximum number of rows returned by list endpoints.")
}

type API struct {
	cfg      Config
	store    storage.Store
	validate *validator.Validate
}

func New(cfg Config, store storage.Store) *API {
	return &API{
		cfg:      cfg,
		store:    store,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the operator surface on r, which is expected to be the
// versioned subrouter.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/http-targets", a.wrap("http_targets_create", a.createTarget)).Methods(http.MethodPost)
	r.HandleFunc("/http-targets", a.wrap("http_targets_list", a.listTargets)).Methods(http.MethodGet)
	r.HandleFunc("/http-targets/{id}", a.wrap("http_targets_get", a.getTarget)).Methods(http.MethodGet)
	r.HandleFunc("/http-targets/{id}", a.wrap("http_targets_update", a.updateTarget)).Methods(http.MethodPut)
	r.HandleFunc("/http-targets/{id}", a.wrap("http_targets_delete", a.deleteTarget)).Methods(http.MethodDelete)

	r.HandleFunc("/incidents", a.wrap("incidents_list", a.listIncidents)).Methods(http.MethodGet)
	r.HandleFunc("/alerts", a.wrap("alerts_list", a.listAlerts)).Methods(http.MethodGet)
	r.HandleFunc("/notifications", a.wrap("notifications_list", a.listNotifications)).Methods(http.MethodGet)
	r.HandleFunc("/machines", a.wrap("machines_list", a.listMachines)).Methods(http.MethodGet)

	r.HandleFunc("/metrics", a.wrap("metrics_list", a.listMetrics)).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{id}/alerting", a.wrap("metrics_alerting", a.patchAlerting)).Methods(http.MethodPatch)
	r.HandleFunc("/metrics/{id}/pause", a.wrap("metrics_pause", a.patchPause)).Methods(http.MethodPatch)
	r.HandleFunc("/metrics/{id}/thresholds/default", a.wrap("metrics_threshold", a.putDefaultThreshold)).Methods(http.MethodPost)

	r.HandleFunc("/settings", a.wrap("settings_get", a.getSettings)).Methods(http.MethodGet)
	r.HandleFunc("/settings", a.wrap("settings_put", a.putSettings)).Methods(http.MethodPut)
}

// HealthHandler is unauthenticated and unscoped.
func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metricRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

func (a *API) scope(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(ScopeHeader)
	if raw == "" {
		return uuid.Nil, verrors.Errorf(verrors.Auth, "missing %s header", ScopeHeader)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, verrors.Errorf(verrors.Auth, "malformed %s header", ScopeHeader)
	}
	return id, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, verrors.Errorf(verrors.NotFound, "malformed id")
	}
	return id, nil
}

func (a *API) limit(r *http.Request) int {
	limit := a.cfg.MaxPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	return limit
}

// --- HTTP targets ---

// targetPayload is the wire shape; timeouts and intervals arrive in seconds
// and are stored in the units the prober uses.
type targetPayload struct {
	Name                 string `json:"name" validate:"required,max=255"`
	URL                  string `json:"url" validate:"required,max=2048"`
	Method               string `json:"method" validate:"omitempty,oneof=GET HEAD POST"`
	AcceptedStatusCodes  []int  `json:"accepted_status_codes" validate:"omitempty,dive,min=100,max=599"`
	TimeoutSeconds       int    `json:"timeout_seconds" validate:"omitempty,min=1,max=60"`
	CheckIntervalSeconds int    `json:"check_interval_seconds" validate:"omitempty,min=10,max=86400"`
	IsActive             *bool  `json:"is_active"`
}

func (p *targetPayload) toModel(clientID uuid.UUID, validate *validator.Validate) (*model.HTTPTarget, error) {
	if err := validate.Struct(p); err != nil {
		return nil, verrors.E(verrors.Validation, err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, verrors.Errorf(verrors.Validation, "url must be absolute http or https")
	}

	t := &model.HTTPTarget{
		ClientID:            clientID,
		Name:                p.Name,
		URL:                 p.URL,
		Method:              p.Method,
		AcceptedStatusCodes: p.AcceptedStatusCodes,
		TimeoutMS:           p.TimeoutSeconds * 1000,
		CheckIntervalS:      p.CheckIntervalSeconds,
		IsActive:            true,
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	if len(t.AcceptedStatusCodes) == 0 {
		t.AcceptedStatusCodes = []int{200}
	}
	if t.TimeoutMS == 0 {
		t.TimeoutMS = 5000
	}
	if t.CheckIntervalS == 0 {
		t.CheckIntervalS = 60
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	return t, nil
}

func (a *API) createTarget(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var p targetPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	t, err := p.toModel(clientID, a.validate)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	created, err := a.store.CreateHTTPTarget(r.Context(), t)
	if verrors.Is(err, verrors.Conflict) && created != nil {
		httputil.WriteConflict(w, "a target with this url already exists", created.ID)
		return
	}
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (a *API) listTargets(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	targets, err := a.store.ListHTTPTargets(r.Context(), clientID)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, targets)
}

// scopedTarget loads a target and enforces the client scope. Targets of other
// clients read as absent.
func (a *API) scopedTarget(r *http.Request) (*model.HTTPTarget, error) {
	clientID, err := a.scope(r)
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	t, err := a.store.GetHTTPTarget(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if t.ClientID != clientID {
		return nil, verrors.Errorf(verrors.NotFound, "http target not found")
	}
	return t, nil
}

func (a *API) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := a.scopedTarget(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) updateTarget(w http.ResponseWriter, r *http.Request) {
	existing, err := a.scopedTarget(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var p targetPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	t, err := p.toModel(existing.ClientID, a.validate)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	t.ID = existing.ID

	if err := a.store.UpdateHTTPTarget(r.Context(), t); err != nil {
		httputil.WriteVError(w, err)
		return
	}
	updated, err := a.store.GetHTTPTarget(r.Context(), t.ID)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (a *API) deleteTarget(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	if err := a.store.DeleteHTTPTarget(r.Context(), clientID, id); err != nil {
		httputil.WriteVError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- read surface ---

func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	filter := storage.IncidentFilter{Limit: a.limit(r)}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case string(model.IncidentOpen), string(model.IncidentResolved):
		filter.Status = model.IncidentStatus(status)
	default:
		httputil.WriteError(w, http.StatusUnprocessableEntity, "status must be OPEN or RESOLVED")
		return
	}

	incidents, err := a.store.ListIncidents(r.Context(), clientID, filter)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, incidents)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	alerts, err := a.store.ListAlerts(r.Context(), clientID, a.limit(r))
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, alerts)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	logs, err := a.store.ListNotifications(r.Context(), clientID, a.limit(r))
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, logs)
}

func (a *API) listMachines(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	machines, err := a.store.ListMachines(r.Context(), clientID)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, machines)
}

func (a *API) listMetrics(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	instances, err := a.store.ListInstances(r.Context(), clientID)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, instances)
}

// --- metric instance mutations ---

// scopedInstance loads the evaluation context of an instance and enforces the
// client scope.
func (a *API) scopedInstance(r *http.Request) (*storage.EvalContext, error) {
	clientID, err := a.scope(r)
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	ec, err := a.store.GetEvalContext(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if ec.ClientID != clientID {
		return nil, verrors.Errorf(verrors.NotFound, "metric instance not found")
	}
	return ec, nil
}

func (a *API) patchAlerting(w http.ResponseWriter, r *http.Request) {
	ec, err := a.scopedInstance(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "enabled is required")
		return
	}
	if err := a.store.SetInstanceAlerting(r.Context(), ec.Instance.ID, *body.Enabled); err != nil {
		httputil.WriteVError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) patchPause(w http.ResponseWriter, r *http.Request) {
	ec, err := a.scopedInstance(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var body struct {
		Paused *bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Paused == nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "paused is required")
		return
	}
	if err := a.store.SetInstancePaused(r.Context(), ec.Instance.ID, *body.Paused); err != nil {
		httputil.WriteVError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type thresholdPayload struct {
	Comparison model.Comparison `json:"comparison"`
	Value      model.Value      `json:"value"`
	Severity   model.Severity   `json:"severity"`
}

// putDefaultThreshold creates the instance's default threshold. The operation
// is idempotent; an existing threshold wins and is returned unchanged.
func (a *API) putDefaultThreshold(w http.ResponseWriter, r *http.Request) {
	ec, err := a.scopedInstance(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var p thresholdPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if !p.Comparison.Valid() {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "unknown comparison")
		return
	}
	if p.Severity == "" {
		p.Severity = model.SeverityCritical
	}
	if !p.Severity.Valid() {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "unknown severity")
		return
	}
	v, err := model.ParseValue(ec.Definition.ValueType, p.Value)
	if err != nil {
		httputil.WriteVError(w, verrors.E(verrors.Validation, err))
		return
	}

	th, err := a.store.EnsureDefaultThreshold(r.Context(), model.Threshold{
		MetricInstanceID: ec.Instance.ID,
		Comparison:       p.Comparison,
		Value:            v,
		Severity:         p.Severity,
	})
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, th)
}

// --- client settings ---

type settingsPayload struct {
	NotificationEmail            string `json:"notification_email" validate:"omitempty,email"`
	SlackWebhookURL              string `json:"slack_webhook_url" validate:"omitempty,url"`
	SlackChannelName             string `json:"slack_channel_name" validate:"omitempty,max=255"`
	GracePeriodSeconds           int    `json:"grace_period_seconds" validate:"min=0,max=86400"`
	ReminderNotificationSeconds  int    `json:"reminder_notification_seconds" validate:"min=0,max=604800"`
	AlertGroupingEnabled         bool   `json:"alert_grouping_enabled"`
	NotifyOnResolve              bool   `json:"notify_on_resolve"`
	HeartbeatThresholdMinutes    int    `json:"heartbeat_threshold_minutes" validate:"min=0,max=10080"`
	ConsecutiveFailuresThreshold int    `json:"consecutive_failures_threshold" validate:"min=0,max=100"`
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	settings, err := a.store.GetClientSettings(r.Context(), clientID)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}

func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.scope(r)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}

	var p settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := a.validate.Struct(&p); err != nil {
		httputil.WriteVError(w, verrors.E(verrors.Validation, err))
		return
	}

	settings := &model.ClientSettings{
		ClientID:                     clientID,
		NotificationEmail:            p.NotificationEmail,
		SlackWebhookURL:              p.SlackWebhookURL,
		SlackChannelName:             p.SlackChannelName,
		GracePeriodSeconds:           p.GracePeriodSeconds,
		ReminderNotificationSeconds:  p.ReminderNotificationSeconds,
		AlertGroupingEnabled:         p.AlertGroupingEnabled,
		NotifyOnResolve:              p.NotifyOnResolve,
		HeartbeatThresholdMinutes:    p.HeartbeatThresholdMinutes,
		ConsecutiveFailuresThreshold: p.ConsecutiveFailuresThreshold,
	}
	if err := a.store.PutClientSettings(r.Context(), settings); err != nil {
		httputil.WriteVError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}
