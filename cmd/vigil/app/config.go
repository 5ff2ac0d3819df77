package app

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/vigilhq/vigil/modules/api"
	"github.com/vigilhq/vigil/modules/evaluator"
	"github.com/vigilhq/vigil/modules/heartbeat"
	"github.com/vigilhq/vigil/modules/ingest"
	"github.com/vigilhq/vigil/modules/notifier"
	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/prober"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target        string `yaml:"target,omitempty"`
	HTTPAPIPrefix string `yaml:"http_api_prefix"`

	Server    server.Config    `yaml:"server,omitempty"`
	Store     storage.Config   `yaml:"store,omitempty"`
	Queue     queue.Config     `yaml:"queue,omitempty"`
	Overrides overrides.Config `yaml:"overrides,omitempty"`
	Ingest    ingest.Config    `yaml:"ingest,omitempty"`
	Prober    prober.Config    `yaml:"prober,omitempty"`
	Evaluator evaluator.Config `yaml:"evaluator,omitempty"`
	Notifier  notifier.Config  `yaml:"notifier,omitempty"`
	Heartbeat heartbeat.Config `yaml:"heartbeat,omitempty"`
	API       api.Config       `yaml:"api,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "/api/v1", "String prefix for all http api endpoints.")

	// Server settings. Defaults come from dskit; only the bits we care about
	// are surfaced as flags.
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 8080, "HTTP server listen port.")

	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "store"), f)
	c.Queue.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "queue"), f)
	c.Overrides.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "overrides"), f)
	c.Ingest.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingest"), f)
	c.Prober.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "prober"), f)
	c.Evaluator.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "evaluator"), f)
	c.Notifier.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "notifier"), f)
	c.Heartbeat.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "heartbeat"), f)
	c.API.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "api"), f)
}

// ConfigWarning bundles a warning message with an explanation and example
// on how to correct the misconfiguration.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnMemoryBackend = ConfigWarning{
		Message: "store.backend is memory",
		Explain: "All state is lost on restart. Use the postgres backend outside of local runs.",
	}
	warnStubbedSlack = ConfigWarning{
		Message: "notifier.slack.stub is enabled",
		Explain: "Slack notifications are logged instead of delivered.",
	}
	warnNoEmailHost = ConfigWarning{
		Message: "notifier.email.host is empty",
		Explain: "The email provider is disabled; clients with only an email recipient will not be notified.",
	}
	warnPerClientCap = ConfigWarning{
		Message: "prober.max-per-client exceeds prober.max-concurrent",
		Explain: "The per-client cap can never be reached; lower it or raise the global cap.",
	}
	warnLatenessSkew = ConfigWarning{
		Message: "ingest.max-lateness is below ingest.max-future-skew",
		Explain: "Batches within the accepted clock skew may be discarded as late.",
	}
)

// CheckConfig checks if config values are suspect and returns a bundled
// list of warnings.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Store.Backend == storage.BackendMemory {
		warnings = append(warnings, warnMemoryBackend)
	}
	if c.Notifier.Slack.Stub {
		warnings = append(warnings, warnStubbedSlack)
	}
	if c.Notifier.Email.Host == "" {
		warnings = append(warnings, warnNoEmailHost)
	}
	if c.Prober.MaxPerClient > c.Prober.MaxConcurrent {
		warnings = append(warnings, warnPerClientCap)
	}
	if c.Ingest.MaxLateness < c.Ingest.MaxFutureSkew {
		warnings = append(warnings, warnLatenessSkew)
	}

	return warnings
}
