// Package overrides resolves per-client effective settings: process-wide
// defaults from config overlaid with the client's stored settings row.
package overrides

import (
	"context"
	"flag"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
)

type Config struct {
	// DefaultReminderMinutes applies when a client has no reminder cooldown
	// of its own. Zero falls through to the built-in 30 minutes.
	DefaultReminderMinutes int `yaml:"default_reminder_minutes"`

	DefaultGracePeriod time.Duration `yaml:"default_grace_period"`

	DefaultHeartbeatThreshold time.Duration `yaml:"default_heartbeat_threshold"`

	// DefaultConsecutiveFailures of zero disables the consecutive-failures
	// gate for clients without their own threshold.
	DefaultConsecutiveFailures int `yaml:"default_consecutive_failures"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.DefaultReminderMinutes, prefix+".default-reminder-minutes", 30, "Default reminder cooldown in minutes for clients without an override.")
	f.DurationVar(&cfg.DefaultGracePeriod, prefix+".default-grace-period", 0, "Default grace period before a CRITICAL observation opens an incident.")
	f.DurationVar(&cfg.DefaultHeartbeatThreshold, prefix+".default-heartbeat-threshold", 10*time.Minute, "Default machine staleness threshold for heartbeat alerts.")
	f.IntVar(&cfg.DefaultConsecutiveFailures, prefix+".default-consecutive-failures", 0, "Default number of consecutive CRITICAL observations required before alerting. Zero disables the gate.")
}

// fallbackReminderCooldown applies when neither the client nor the config set
// a reminder cooldown.
const fallbackReminderCooldown = 30 * time.Minute

// Effective is the fully resolved settings view the engine modules consume.
type Effective struct {
	ClientID uuid.UUID

	NotificationEmail string
	SlackWebhookURL   string
	SlackChannelName  string

	ReminderCooldown             time.Duration
	GracePeriod                  time.Duration
	HeartbeatThreshold           time.Duration
	ConsecutiveFailuresThreshold int

	AlertGroupingEnabled bool
	NotifyOnResolve      bool
}

type Interface interface {
	ForClient(ctx context.Context, clientID uuid.UUID) (*Effective, error)
}

type Overrides struct {
	cfg   Config
	store storage.Store
}

func New(cfg Config, store storage.Store) *Overrides {
	return &Overrides{cfg: cfg, store: store}
}

func (o *Overrides) ForClient(ctx context.Context, clientID uuid.UUID) (*Effective, error) {
	cs, err := o.store.GetClientSettings(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return o.resolve(cs), nil
}

func (o *Overrides) resolve(cs *model.ClientSettings) *Effective {
	eff := &Effective{
		ClientID:             cs.ClientID,
		NotificationEmail:    cs.NotificationEmail,
		SlackWebhookURL:      cs.SlackWebhookURL,
		SlackChannelName:     cs.SlackChannelName,
		AlertGroupingEnabled: cs.AlertGroupingEnabled,
		NotifyOnResolve:      cs.NotifyOnResolve,
	}

	switch {
	case cs.ReminderNotificationSeconds > 0:
		eff.ReminderCooldown = time.Duration(cs.ReminderNotificationSeconds) * time.Second
	case o.cfg.DefaultReminderMinutes > 0:
		eff.ReminderCooldown = time.Duration(o.cfg.DefaultReminderMinutes) * time.Minute
	default:
		eff.ReminderCooldown = fallbackReminderCooldown
	}

	if cs.GracePeriodSeconds > 0 {
		eff.GracePeriod = time.Duration(cs.GracePeriodSeconds) * time.Second
	} else {
		eff.GracePeriod = o.cfg.DefaultGracePeriod
	}

	if cs.HeartbeatThresholdMinutes > 0 {
		eff.HeartbeatThreshold = time.Duration(cs.HeartbeatThresholdMinutes) * time.Minute
	} else {
		eff.HeartbeatThreshold = o.cfg.DefaultHeartbeatThreshold
	}

	if cs.ConsecutiveFailuresThreshold > 0 {
		eff.ConsecutiveFailuresThreshold = cs.ConsecutiveFailuresThreshold
	} else {
		eff.ConsecutiveFailuresThreshold = o.cfg.DefaultConsecutiveFailures
	}

	return eff
}
