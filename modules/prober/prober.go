// Package prober performs the scheduled HTTP checks. Each tick selects the
// targets whose check interval has elapsed, probes them with bounded
// parallelism and hands every outcome to the evaluator as an evaluate task.
package prober

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
)

const maxRedirects = 3

var (
	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "prober_probes_total",
		Help:      "The total number of probes by outcome.",
	}, []string{"outcome"})
	metricProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigil",
		Name:      "prober_probe_duration_seconds",
		Help:      "Probe latency.",
		Buckets:   prometheus.DefBuckets,
	})
	metricTickTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "prober_tick_targets",
		Help:      "The number of due targets selected by the last tick.",
	})
)

type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxConcurrent bounds in-flight probes per tick.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxPerClient bounds in-flight probes per client, so one tenant with
	// many slow targets cannot saturate the pool.
	MaxPerClient int `yaml:"max_per_client"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.TickInterval, prefix+".tick-interval", time.Minute, "Interval between probe sweeps.")
	f.IntVar(&cfg.MaxConcurrent, prefix+".max-concurrent", 32, "Maximum number of in-flight probes per sweep.")
	f.IntVar(&cfg.MaxPerClient, prefix+".max-per-client", 4, "Maximum number of in-flight probes per client.")
}

type Prober struct {
	services.Service

	cfg    Config
	store  storage.Store
	queues *queue.Queues

	// probe is swappable so tests can avoid real network IO
	probe func(ctx context.Context, target *model.HTTPTarget) queue.ProbeOutcome

	now func() time.Time
}

func New(cfg Config, store storage.Store, queues *queue.Queues) *Prober {
	p := &Prober{
		cfg:    cfg,
		store:  store,
		queues: queues,
		now:    func() time.Time { return time.Now().UTC() },
	}
	p.probe = p.probeHTTP
	p.Service = services.NewTimerService(cfg.TickInterval, nil, p.iteration, nil)
	return p
}

func (p *Prober) iteration(ctx context.Context) error {
	if err := p.Sweep(ctx); err != nil {
		// a failed sweep is retried on the next tick, never fatal
		level.Error(log.Logger).Log("msg", "probe sweep failed", "err", err)
	}
	return nil
}

// Sweep probes every due target once. Per-tick and per-client caps bound the
// parallelism; slow targets only delay their own client's remaining probes.
func (p *Prober) Sweep(ctx context.Context) error {
	targets, err := p.store.DueHTTPTargets(ctx, p.now())
	if err != nil {
		return err
	}
	metricTickTargets.Set(float64(len(targets)))
	if len(targets) == 0 {
		return nil
	}

	perClient := map[uuid.UUID]chan struct{}{}
	for _, t := range targets {
		if _, ok := perClient[t.ClientID]; !ok {
			perClient[t.ClientID] = make(chan struct{}, p.cfg.MaxPerClient)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)
	for _, t := range targets {
		target := t
		sem := perClient[target.ClientID]
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}
			return p.probeOne(ctx, target)
		})
	}
	return g.Wait()
}

func (p *Prober) probeOne(ctx context.Context, target *model.HTTPTarget) error {
	outcome := p.probe(ctx, target)

	if outcome.OK {
		metricProbes.WithLabelValues("ok").Inc()
	} else {
		metricProbes.WithLabelValues("failed").Inc()
	}
	metricProbeDuration.Observe(float64(outcome.LatencyMS) / 1000)

	if err := p.store.RecordProbeResult(ctx, target.ID, outcome.Ts, outcome.Status, outcome.LatencyMS); err != nil {
		return err
	}
	return p.queues.Enqueue(ctx, queue.Evaluate, queue.KindEvaluate, queue.EvaluateTask{
		Subject: model.HTTPSubject(target.ClientID, target.ID),
		Outcome: &outcome,
	})
}

// probeHTTP issues one check. Transport failures of any flavor normalize to
// status 0; only the accepted status set decides ok.
func (p *Prober) probeHTTP(ctx context.Context, target *model.HTTPTarget) queue.ProbeOutcome {
	client := &http.Client{
		Timeout: time.Duration(target.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	start := p.now()
	status := 0
	req, err := http.NewRequestWithContext(ctx, target.Method, target.URL, nil)
	if err == nil {
		resp, doErr := client.Do(req)
		if doErr == nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
	}
	latency := time.Since(start)

	return queue.ProbeOutcome{
		OK:        status != 0 && target.Accepted(status),
		Status:    status,
		LatencyMS: int(latency.Milliseconds()),
		Ts:        start,
	}
}
