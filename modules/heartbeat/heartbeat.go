// Package heartbeat turns machine liveness into a synthetic bool metric.
// Each sweep scores every active machine against its client's staleness
// threshold and appends a heartbeat sample, so the evaluator and incident
// pipeline handle silence exactly like any other CRITICAL metric.
package heartbeat

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
)

// MetricName is the reserved definition name for the synthetic liveness
// metric. Agents can also report it directly; the sweeper and an agent write
// to the same instance.
const MetricName = "heartbeat"

var (
	metricSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "heartbeat_sweeps_total",
		Help:      "The total number of heartbeat sweeps.",
	})
	metricStale = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "heartbeat_stale_machines",
		Help:      "The number of stale machines seen by the last sweep.",
	})
)

type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.TickInterval, prefix+".tick-interval", 2*time.Minute, "Interval between heartbeat sweeps.")
}

type Sweeper struct {
	services.Service

	cfg       Config
	store     storage.Store
	overrides overrides.Interface
	queues    *queue.Queues

	now func() time.Time
}

func New(cfg Config, store storage.Store, o overrides.Interface, queues *queue.Queues) *Sweeper {
	s := &Sweeper{
		cfg:       cfg,
		store:     store,
		overrides: o,
		queues:    queues,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.Service = services.NewTimerService(cfg.TickInterval, nil, s.iteration, nil)
	return s
}

func (s *Sweeper) iteration(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		level.Error(log.Logger).Log("msg", "heartbeat sweep failed", "err", err)
	}
	return nil
}

// Sweep appends one heartbeat sample per active machine and queues the
// corresponding evaluations. A machine that never reported uses its
// registration time as the baseline.
func (s *Sweeper) Sweep(ctx context.Context) error {
	machines, err := s.store.ListActiveMachines(ctx)
	if err != nil {
		return err
	}
	metricSweeps.Inc()

	now := s.now()
	stale := 0
	for _, m := range machines {
		eff, err := s.overrides.ForClient(ctx, m.ClientID)
		if err != nil {
			return err
		}

		baseline := m.RegisteredAt
		if m.LastSeen != nil {
			baseline = *m.LastSeen
		}
		alive := now.Sub(baseline) < eff.HeartbeatThreshold
		if !alive {
			stale++
			level.Debug(log.Logger).Log("msg", "machine is stale", "machine", m.ID, "hostname", m.Hostname, "last_seen", baseline)
		}

		if err := s.record(ctx, m, alive, now); err != nil {
			return err
		}
	}
	metricStale.Set(float64(stale))
	return nil
}

func (s *Sweeper) record(ctx context.Context, m *model.Machine, alive bool, now time.Time) error {
	def, err := s.store.EnsureDefinition(ctx, m.ClientID, MetricName, model.KindBool, "", true)
	if err != nil {
		return err
	}
	inst, err := s.store.EnsureInstance(ctx, m.ID, def.ID)
	if err != nil {
		return err
	}
	// alert when the heartbeat goes false
	if _, err := s.store.EnsureDefaultThreshold(ctx, model.Threshold{
		MetricInstanceID: inst.ID,
		Comparison:       model.CompareEQ,
		Value:            model.BoolValue(false),
		Severity:         model.SeverityCritical,
	}); err != nil {
		return err
	}

	if err := s.store.AppendSample(ctx, inst.ID, model.BoolValue(alive), now, now); err != nil {
		return err
	}
	return s.queues.Enqueue(ctx, queue.Evaluate, queue.KindEvaluate, queue.EvaluateTask{
		Subject: model.MetricSubject(m.ClientID, inst.ID),
	})
}
