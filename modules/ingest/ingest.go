// Package ingest is the agent-facing write path: it authenticates metric
// batches, deduplicates them by ingest id, registers machines and hands the
// batch to the ingest workers, which apply it and fan out evaluations.
package ingest

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/httputil"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

const maxIngestIDLen = 64

var (
	metricBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "ingest_batches_total",
		Help:      "The total number of ingest requests by outcome.",
	}, []string{"outcome"})
	metricSamplesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "ingest_samples_applied_total",
		Help:      "The total number of samples written by the ingest workers.",
	})
)

type Config struct {
	Workers int `yaml:"workers"`

	// MaxBatchSize bounds the number of metrics per request.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxFutureSkew rejects batches whose sent_at is too far in the future.
	MaxFutureSkew time.Duration `yaml:"max_future_skew"`

	// MaxLateness accepts but does not apply batches older than this.
	MaxLateness time.Duration `yaml:"max_lateness"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "Number of ingest workers.")
	f.IntVar(&cfg.MaxBatchSize, prefix+".max-batch-size", 1000, "Maximum number of metrics per batch.")
	f.DurationVar(&cfg.MaxFutureSkew, prefix+".max-future-skew", 5*time.Minute, "Reject batches claiming to be sent further than this in the future.")
	f.DurationVar(&cfg.MaxLateness, prefix+".max-lateness", 24*time.Hour, "Batches older than this are acknowledged but not applied.")
}

type machinePayload struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Fingerprint string `json:"fingerprint" validate:"required,max=255"`
}

type metricPayload struct {
	Name  string          `json:"name" validate:"required,max=255"`
	Type  model.ValueKind `json:"type" validate:"required"`
	Value model.Value     `json:"value"`
	Unit  string          `json:"unit"`
}

type ingestRequest struct {
	SentAt  time.Time       `json:"sent_at"`
	Machine machinePayload  `json:"machine"`
	Metrics []metricPayload `json:"metrics" validate:"required,min=1,dive"`
}

type ingestResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

type Ingester struct {
	services.Service

	cfg      Config
	store    storage.Store
	queues   *queue.Queues
	validate *validator.Validate

	now func() time.Time
}

func New(cfg Config, store storage.Store, queues *queue.Queues) *Ingester {
	i := &Ingester{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	i.Service = services.NewBasicService(nil, i.running, nil)
	return i
}

func (i *Ingester) running(ctx context.Context) error {
	queue.Consume(ctx, i.queues, queue.Ingest, queue.ConsumerConfig{
		Workers: i.cfg.Workers,
		Backoff: queue.DefaultConsumerBackoff(),
	}, i.apply)
	return nil
}

// RegisterRoutes mounts the agent-facing endpoint.
func (i *Ingester) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ingest/metrics", i.IngestHandler).Methods(http.MethodPost)
}

func (i *Ingester) IngestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		metricBatches.WithLabelValues("auth").Inc()
		httputil.WriteError(w, http.StatusUnauthorized, "missing api key")
		return
	}
	key, err := i.store.AuthenticateAPIKey(ctx, apiKey)
	if err != nil {
		metricBatches.WithLabelValues("auth").Inc()
		httputil.WriteVError(w, err)
		return
	}

	ingestID := r.Header.Get("X-Ingest-Id")
	if len(ingestID) > maxIngestIDLen {
		metricBatches.WithLabelValues("invalid").Inc()
		httputil.WriteError(w, http.StatusUnprocessableEntity, "ingest id exceeds 64 characters")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metricBatches.WithLabelValues("invalid").Inc()
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}

	task, err := i.buildTask(key.ClientID, ingestID, &req)
	if err != nil {
		metricBatches.WithLabelValues("invalid").Inc()
		httputil.WriteVError(w, err)
		return
	}

	now := i.now()
	machine, err := i.store.UpsertMachine(ctx, key.ClientID, req.Machine.Fingerprint, req.Machine.Hostname, req.Machine.OS, now)
	if err != nil {
		httputil.WriteVError(w, err)
		return
	}
	task.MachineID = machine.ID

	if ingestID != "" {
		accepted, err := i.store.InsertIngestEvent(ctx, model.IngestEvent{
			ID:         uuid.New(),
			ClientID:   key.ClientID,
			IngestID:   ingestID,
			MachineID:  machine.ID,
			ReceivedAt: now,
			SentAt:     task.SentAt,
		})
		if err != nil {
			httputil.WriteVError(w, err)
			return
		}
		if !accepted {
			metricBatches.WithLabelValues("duplicate").Inc()
			httputil.WriteJSON(w, http.StatusAccepted, ingestResponse{Accepted: true, Duplicate: true})
			return
		}
	}

	if err := i.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		level.Warn(log.Logger).Log("msg", "failed to touch api key", "err", err)
	}

	// very late batches are acknowledged for the agent's sake but add nothing
	if now.Sub(task.SentAt) > i.cfg.MaxLateness {
		metricBatches.WithLabelValues("late").Inc()
		httputil.WriteJSON(w, http.StatusAccepted, ingestResponse{Accepted: true})
		return
	}

	if err := i.queues.Enqueue(ctx, queue.Ingest, queue.KindIngestBatch, task); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metricBatches.WithLabelValues("accepted").Inc()
	httputil.WriteJSON(w, http.StatusAccepted, ingestResponse{Accepted: true})
}

// buildTask validates the request and coerces every metric value to its
// declared kind. All failures are Validation errors.
func (i *Ingester) buildTask(clientID uuid.UUID, ingestID string, req *ingestRequest) (*queue.IngestBatchTask, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, verrors.E(verrors.Validation, err)
	}
	if req.SentAt.IsZero() {
		return nil, verrors.Errorf(verrors.Validation, "sent_at is required")
	}
	sentAt := req.SentAt.UTC()
	if sentAt.Sub(i.now()) > i.cfg.MaxFutureSkew {
		return nil, verrors.Errorf(verrors.Validation, "sent_at is in the future")
	}
	if i.cfg.MaxBatchSize > 0 && len(req.Metrics) > i.cfg.MaxBatchSize {
		return nil, verrors.Errorf(verrors.Validation, "batch exceeds %d metrics", i.cfg.MaxBatchSize)
	}

	task := &queue.IngestBatchTask{
		ClientID: clientID,
		IngestID: ingestID,
		SentAt:   sentAt,
		Metrics:  make([]queue.IngestMetric, 0, len(req.Metrics)),
	}
	for _, m := range req.Metrics {
		if !m.Type.Valid() {
			return nil, verrors.Errorf(verrors.Validation, "metric %q has unknown type %q", m.Name, m.Type)
		}
		v, err := model.ParseValue(m.Type, m.Value)
		if err != nil {
			return nil, verrors.E(verrors.Validation, err)
		}
		task.Metrics = append(task.Metrics, queue.IngestMetric{Name: m.Name, Type: m.Type, Value: v, Unit: m.Unit})
	}
	return task, nil
}

// apply is the worker side: write the batch transactionally and fan out one
// evaluation per touched instance.
func (i *Ingester) apply(ctx context.Context, task *queue.Task) error {
	var t queue.IngestBatchTask
	if err := task.Decode(&t); err != nil {
		return verrors.E(verrors.Invariant, err)
	}

	metrics := make([]storage.BatchMetric, 0, len(t.Metrics))
	for _, m := range t.Metrics {
		// NaN and infinite numbers cross the queue as JSON strings; coerce
		// back to the declared kind before touching the store.
		v, err := model.ParseValue(m.Type, m.Value)
		if err != nil {
			return verrors.E(verrors.Validation, err)
		}
		metrics = append(metrics, storage.BatchMetric{Name: m.Name, Type: m.Type, Value: v, Unit: m.Unit})
	}

	instanceIDs, err := i.store.ApplyIngestBatch(ctx, t.ClientID, t.MachineID, t.SentAt, i.now(), metrics)
	if err != nil {
		return err
	}
	metricSamplesApplied.Add(float64(len(instanceIDs)))

	for _, id := range instanceIDs {
		err := i.queues.Enqueue(ctx, queue.Evaluate, queue.KindEvaluate, queue.EvaluateTask{
			Subject: model.MetricSubject(t.ClientID, id),
		})
		if err != nil {
			return verrors.E(verrors.Transient, err)
		}
	}
	return nil
}
