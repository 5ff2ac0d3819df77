package app

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vigilhq/vigil/modules/storage"
)

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, All, cfg.Target)
	assert.Equal(t, "/api/v1", cfg.HTTPAPIPrefix)
	assert.Equal(t, 8080, cfg.Server.HTTPListenPort)
	assert.Equal(t, storage.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "vigil", cfg.Queue.KeyPrefix)
	assert.Equal(t, time.Minute, cfg.Prober.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.TickInterval)
}

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		expect ConfigWarning
		absent bool
	}{
		{
			name:   "default config warns about missing email host",
			mutate: func(_ *Config) {},
			expect: warnNoEmailHost,
		},
		{
			name:   "memory backend",
			mutate: func(c *Config) { c.Store.Backend = storage.BackendMemory },
			expect: warnMemoryBackend,
		},
		{
			name:   "stubbed slack",
			mutate: func(c *Config) { c.Notifier.Slack.Stub = true },
			expect: warnStubbedSlack,
		},
		{
			name:   "per-client cap above global cap",
			mutate: func(c *Config) { c.Prober.MaxPerClient = 100 },
			expect: warnPerClientCap,
		},
		{
			name:   "lateness below future skew",
			mutate: func(c *Config) { c.Ingest.MaxLateness = time.Minute },
			expect: warnLatenessSkew,
		},
		{
			name:   "configured email host clears the warning",
			mutate: func(c *Config) { c.Notifier.Email.Host = "smtp.example.com" },
			expect: warnNoEmailHost,
			absent: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			warnings := cfg.CheckConfig()
			if tc.absent {
				assert.NotContains(t, warnings, tc.expect)
			} else {
				assert.Contains(t, warnings, tc.expect)
			}
		})
	}
}

func TestModuleManagerSetup(t *testing.T) {
	cfg := defaultConfig()

	app, err := New(*cfg)
	assert.NoError(t, err)
	assert.NotNil(t, app.moduleManager)

	// every visible target resolves through the dependency graph
	for _, target := range []string{All, Ingester, Prober, Evaluator, Notifier, Heartbeat, API} {
		assert.True(t, app.moduleManager.IsUserVisibleModule(target), target)
	}
}
