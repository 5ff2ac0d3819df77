package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/vigilhq/vigil/modules/api"
	"github.com/vigilhq/vigil/modules/evaluator"
	"github.com/vigilhq/vigil/modules/heartbeat"
	"github.com/vigilhq/vigil/modules/incidents"
	"github.com/vigilhq/vigil/modules/ingest"
	"github.com/vigilhq/vigil/modules/notifier"
	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/prober"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
)

// The various modules that make up vigil.
const (
	Server          string = "server"
	Store           string = "store"
	Queues          string = "queues"
	Overrides       string = "overrides"
	IncidentManager string = "incident-manager"
	Evaluator       string = "evaluator"
	Ingester        string = "ingester"
	Prober          string = "prober"
	Notifier        string = "notifier"
	Heartbeat       string = "heartbeat"
	API             string = "api"
	All             string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	serv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = serv
	t.apiRouter = serv.HTTP.PathPrefix(t.cfg.HTTPAPIPrefix).Subrouter()

	return NewServerService(serv, servicesToWaitFor), nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := storage.New(t.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store %w", err)
	}
	t.store = store

	return nil, nil
}

func (t *App) initQueues() (services.Service, error) {
	q, err := queue.New(t.cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create queues %w", err)
	}
	t.queues = q

	// re-enqueue whatever a previous run left on the processing lists before
	// any worker starts
	starting := func(ctx context.Context) error {
		recovered, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover queues %w", err)
		}
		if recovered > 0 {
			level.Info(log.Logger).Log("msg", "re-enqueued unacked tasks from previous run", "count", recovered)
		}
		return nil
	}
	stopping := func(_ error) error {
		return q.Close()
	}

	return services.NewIdleService(starting, stopping), nil
}

func (t *App) initOverrides() (services.Service, error) {
	t.overrides = overrides.New(t.cfg.Overrides, t.store)
	return nil, nil
}

func (t *App) initIncidentManager() (services.Service, error) {
	t.incidents = incidents.NewManager(t.store, t.overrides, t.queues)
	return nil, nil
}

func (t *App) initEvaluator() (services.Service, error) {
	t.evaluator = evaluator.New(t.cfg.Evaluator, t.store, t.overrides, t.incidents, t.queues)
	return t.evaluator, nil
}

func (t *App) initIngester() (services.Service, error) {
	t.ingester = ingest.New(t.cfg.Ingest, t.store, t.queues)
	t.ingester.RegisterRoutes(t.apiRouter)
	return t.ingester, nil
}

func (t *App) initProber() (services.Service, error) {
	t.prober = prober.New(t.cfg.Prober, t.store, t.queues)
	return t.prober, nil
}

func (t *App) initNotifier() (services.Service, error) {
	t.notifier = notifier.New(t.cfg.Notifier, t.store, t.overrides, t.queues)
	return t.notifier, nil
}

func (t *App) initHeartbeat() (services.Service, error) {
	t.heartbeat = heartbeat.New(t.cfg.Heartbeat, t.store, t.overrides, t.queues)
	return t.heartbeat, nil
}

func (t *App) initAPI() (services.Service, error) {
	t.api = api.New(t.cfg.API, t.store)
	t.api.RegisterRoutes(t.apiRouter)
	t.Server.HTTP.Path("/health").Handler(http.HandlerFunc(t.api.HealthHandler))
	return nil, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Queues, t.initQueues, modules.UserInvisibleModule)
	mm.RegisterModule(Overrides, t.initOverrides, modules.UserInvisibleModule)
	mm.RegisterModule(IncidentManager, t.initIncidentManager, modules.UserInvisibleModule)
	mm.RegisterModule(Evaluator, t.initEvaluator)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(Prober, t.initProber)
	mm.RegisterModule(Notifier, t.initNotifier)
	mm.RegisterModule(Heartbeat, t.initHeartbeat)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server: nil,
		// Store:  nil,
		// Queues: nil,
		Overrides:       {Store},
		IncidentManager: {Store, Overrides, Queues},
		Evaluator:       {Store, Overrides, Queues, IncidentManager},
		Ingester:        {Server, Store, Queues},
		Prober:          {Store, Queues},
		Notifier:        {Store, Overrides, Queues},
		Heartbeat:       {Store, Overrides, Queues},
		API:             {Server, Store},
		All:             {Ingester, Prober, Evaluator, Notifier, Heartbeat, API},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	t.deps = deps

	return nil
}
