package api

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
)

type fixture struct {
	api      *API
	router   *mux.Router
	store    *storage.MemoryStore
	clientID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("api", flag.NewFlagSet("test", flag.PanicOnError))

	f := &fixture{
		api:      New(cfg, store),
		router:   mux.NewRouter(),
		store:    store,
		clientID: uuid.New(),
	}
	f.router.HandleFunc("/health", f.api.HealthHandler)
	f.api.RegisterRoutes(f.router.PathPrefix("/api/v1").Subrouter())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, scoped bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if scoped {
		r.Header.Set(ScopeHeader, f.clientID.String())
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func (f *fixture) seedInstance(t *testing.T) *model.MetricInstance {
	t.Helper()
	ctx := context.Background()
	m, err := f.store.UpsertMachine(ctx, f.clientID, "fp-1", "host", "linux", time.Now())
	require.NoError(t, err)
	def, err := f.store.EnsureDefinition(ctx, f.clientID, "cpu_usage", model.KindNumber, "%", false)
	require.NoError(t, err)
	inst, err := f.store.EnsureInstance(ctx, m.ID, def.ID)
	require.NoError(t, err)
	return inst
}

func validTarget() map[string]any {
	return map[string]any{
		"name": "checkout",
		"url":  "https://shop.example.com/health",
	}
}

func TestHealthIsUnscoped(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScopeHeaderRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/machines", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/machines", nil)
	r.Header.Set(ScopeHeader, "not-a-uuid")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateTargetAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/http-targets", validTarget(), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var target model.HTTPTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &target))
	assert.Equal(t, http.MethodGet, target.Method)
	assert.Equal(t, []int{200}, target.AcceptedStatusCodes)
	assert.Equal(t, 5000, target.TimeoutMS)
	assert.Equal(t, 60, target.CheckIntervalS)
	assert.True(t, target.IsActive)
}

func TestCreateTargetSecondsFields(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"name":                   "T",
		"url":                    "https://httpbin.org/status/500?k=1",
		"method":                 "GET",
		"timeout_seconds":        10,
		"check_interval_seconds": 30,
		"is_active":              true,
	}
	w := f.do(t, http.MethodPost, "/api/v1/http-targets", body, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var target model.HTTPTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &target))
	assert.Equal(t, 10000, target.TimeoutMS)
	assert.Equal(t, 30, target.CheckIntervalS)
	assert.True(t, target.IsActive)
}

func TestCreateTargetValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing name", func(b map[string]any) { delete(b, "name") }},
		{"ftp scheme", func(b map[string]any) { b["url"] = "ftp://example.com" }},
		{"relative url", func(b map[string]any) { b["url"] = "/health" }},
		{"bad method", func(b map[string]any) { b["method"] = "PATCH" }},
		{"bad status code", func(b map[string]any) { b["accepted_status_codes"] = []int{42} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := validTarget()
			tc.mutate(body)
			w := f.do(t, http.MethodPost, "/api/v1/http-targets", body, true)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		})
	}
}

func TestCreateTargetURLConflict(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/http-targets", validTarget(), true)
	require.Equal(t, http.StatusCreated, w.Code)
	var first model.HTTPTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = f.do(t, http.MethodPost, "/api/v1/http-targets", validTarget(), true)
	require.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		Detail struct {
			Message    string     `json:"message"`
			ExistingID *uuid.UUID `json:"existing_id"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Detail.ExistingID)
	assert.Equal(t, first.ID, *resp.Detail.ExistingID)
}

func TestTargetScopeIsolation(t *testing.T) {
	f := newFixture(t)

	other, err := f.store.CreateHTTPTarget(context.Background(), &model.HTTPTarget{
		ClientID:       uuid.New(),
		Name:           "foreign",
		URL:            "https://other.example.com",
		Method:         http.MethodGet,
		TimeoutMS:      5000,
		CheckIntervalS: 60,
		IsActive:       true,
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/http-targets/"+other.ID.String(), nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/http-targets/"+other.ID.String(), nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAndDeleteTarget(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/http-targets", validTarget(), true)
	require.Equal(t, http.StatusCreated, w.Code)
	var target model.HTTPTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &target))

	update := validTarget()
	update["name"] = "checkout-v2"
	update["accepted_status_codes"] = []int{200, 204}
	w = f.do(t, http.MethodPut, "/api/v1/http-targets/"+target.ID.String(), update, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated model.HTTPTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "checkout-v2", updated.Name)
	assert.Equal(t, []int{200, 204}, updated.AcceptedStatusCodes)

	w = f.do(t, http.MethodDelete, "/api/v1/http-targets/"+target.ID.String(), nil, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/http-targets/"+target.ID.String(), nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListIncidentsStatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t)

	instID := inst.ID
	_, _, err := f.store.OpenIncident(ctx, model.Incident{
		ClientID:         f.clientID,
		MetricInstanceID: &instID,
		Severity:         model.SeverityCritical,
		Title:            "cpu_usage is CRITICAL",
		OpenedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/incidents?status=OPEN", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var incidents []model.Incident
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, model.IncidentOpen, incidents[0].Status)

	w = f.do(t, http.MethodGet, "/api/v1/incidents?status=RESOLVED", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &incidents))
	assert.Empty(t, incidents)

	w = f.do(t, http.MethodGet, "/api/v1/incidents?status=bogus", nil, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListAlertsScopedWithHostname(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t)

	instID := inst.ID
	_, created, err := f.store.UpsertFiringAlert(ctx, model.Alert{
		ClientID:         f.clientID,
		ThresholdID:      uuid.New(),
		MachineID:        inst.MachineID,
		MetricInstanceID: &instID,
		Severity:         model.SeverityCritical,
		CurrentValue:     "95",
		Message:          "cpu_usage is 95 (gt 90)",
		TriggeredAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)

	// another client's alert must not leak into the listing
	foreign, err := f.store.UpsertMachine(ctx, uuid.New(), "fp-x", "other", "linux", time.Now())
	require.NoError(t, err)
	_, _, err = f.store.UpsertFiringAlert(ctx, model.Alert{
		ClientID: foreign.ClientID, ThresholdID: uuid.New(), MachineID: foreign.ID,
		Severity: model.SeverityCritical, CurrentValue: "1", Message: "disk full", TriggeredAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/alerts", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var alerts []model.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertFiring, alerts[0].Status)
	assert.Equal(t, "95", alerts[0].CurrentValue)
	assert.Equal(t, "host", alerts[0].Hostname)

	w = f.do(t, http.MethodGet, "/api/v1/alerts", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPatchAlertingAndPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t)

	w := f.do(t, http.MethodPatch, "/api/v1/metrics/"+inst.ID.String()+"/alerting", map[string]any{"enabled": false}, true)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, http.MethodPatch, "/api/v1/metrics/"+inst.ID.String()+"/pause", map[string]any{"paused": true}, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	got, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, got.AlertEnabled)
	assert.True(t, got.Paused)

	// body without the flag is rejected
	w = f.do(t, http.MethodPatch, "/api/v1/metrics/"+inst.ID.String()+"/alerting", map[string]any{}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDefaultThresholdIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inst := f.seedInstance(t)
	path := "/api/v1/metrics/" + inst.ID.String() + "/thresholds/default"

	w := f.do(t, http.MethodPost, path, map[string]any{"comparison": "gt", "value": 90, "severity": "critical"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first model.Threshold
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, model.CompareGT, first.Comparison)

	// a second default does not replace the first
	w = f.do(t, http.MethodPost, path, map[string]any{"comparison": "lt", "value": 10}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var second model.Threshold
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.CompareGT, second.Comparison)
}

func TestDefaultThresholdValueCoercion(t *testing.T) {
	f := newFixture(t)
	inst := f.seedInstance(t)
	path := "/api/v1/metrics/" + inst.ID.String() + "/thresholds/default"

	// numeric definition accepts a numeric string
	w := f.do(t, http.MethodPost, path, map[string]any{"comparison": "ge", "value": "85.5"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f2 := newFixture(t)
	inst2 := f2.seedInstance(t)
	w = f2.do(t, http.MethodPost, "/api/v1/metrics/"+inst2.ID.String()+"/thresholds/default",
		map[string]any{"comparison": "gt", "value": true}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var settings model.ClientSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.True(t, settings.AlertGroupingEnabled)
	assert.True(t, settings.NotifyOnResolve)

	put := map[string]any{
		"notification_email":            "ops@example.com",
		"slack_webhook_url":             "https://hooks.slack.com/services/T/B/x",
		"reminder_notification_seconds": 600,
		"alert_grouping_enabled":        true,
		"notify_on_resolve":             false,
		"heartbeat_threshold_minutes":   15,
	}
	w = f.do(t, http.MethodPut, "/api/v1/settings", put, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/settings", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, "ops@example.com", settings.NotificationEmail)
	assert.Equal(t, 600, settings.ReminderNotificationSeconds)
	assert.False(t, settings.NotifyOnResolve)

	w = f.do(t, http.MethodPut, "/api/v1/settings", map[string]any{"notification_email": "not-an-email"}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
