// Copyright 2024-2026 Aiku AI

package invitebot

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is the prefix of environment variables that override credentials.
const EnvPrefix = "INVITEBOT"

// Config holds the invite bot configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Bot        BotConfig         `yaml:"bot"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Tracing    TracingConfig     `yaml:"tracing"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig holds the connection settings of the bot account.
type HomeserverConfig struct {
	Address     string `yaml:"address" envconfig:"HOMESERVER"`
	AccessToken string `yaml:"access_token" envconfig:"ACCESS_TOKEN"`
	UserID      string `yaml:"user_id" envconfig:"USER_ID"`
}

// BotConfig holds the synchronization behaviour.
type BotConfig struct {
	CommandPrefix string `yaml:"command_prefix"`
	StateType     string `yaml:"state_type"`
	// ResyncInterval is a Go duration between full reconciliations.
	ResyncInterval string `yaml:"resync_interval"`
	// ResyncSchedule is an optional cron expression that takes precedence
	// over ResyncInterval.
	ResyncSchedule string `yaml:"resync_schedule"`
	MaxRooms       int    `yaml:"max_rooms"`
	EventMaxRooms  int    `yaml:"event_max_rooms"`
	FanoutOnJoin   bool   `yaml:"fanout_on_join"`
	// ReinviteLeftMembers and ReinviteLeftOnJoin decide whether a user who
	// left a sibling room is invited back. The first applies to full passes,
	// the second to the single-join fan-out.
	ReinviteLeftMembers bool   `yaml:"reinvite_left_members"`
	ReinviteLeftOnJoin  bool   `yaml:"reinvite_left_on_join"`
	SyncTimeout         string `yaml:"sync_timeout"`

	stateType   event.Type    `yaml:"-"`
	schedule    cron.Schedule `yaml:"-"`
	syncTimeout time.Duration `yaml:"-"`
}

// AdminAPIConfig configures the optional HTTP admin API.
type AdminAPIConfig struct {
	Address string `yaml:"address"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

const (
	defaultCommandPrefix  = "!invite"
	defaultStateType      = "se.liu.invite_bot"
	defaultResyncInterval = 8 * time.Hour
	defaultMaxRooms       = 100
	defaultEventMaxRooms  = 15
	defaultSyncTimeout    = 30 * time.Second
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// ApplyEnv overrides homeserver settings from INVITEBOT_* environment variables.
// Unset variables leave the YAML values in place.
func (c *Config) ApplyEnv() error {
	var env HomeserverConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if env.Address != "" {
		c.Homeserver.Address = env.Address
	}
	if env.AccessToken != "" {
		c.Homeserver.AccessToken = env.AccessToken
	}
	if env.UserID != "" {
		c.Homeserver.UserID = env.UserID
	}
	return nil
}

// PostProcess fills defaults, validates and compiles derived values.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" {
		return errors.New("homeserver.address is required")
	}
	if c.Homeserver.AccessToken == "" {
		return errors.New("homeserver.access_token is required")
	}
	return c.Bot.postProcess()
}

func (bc *BotConfig) postProcess() error {
	if bc.CommandPrefix == "" {
		bc.CommandPrefix = defaultCommandPrefix
	}
	if bc.StateType == "" {
		bc.StateType = defaultStateType
	}
	if strings.HasPrefix(bc.StateType, "m.") {
		return fmt.Errorf("state_type %q uses the reserved m. namespace", bc.StateType)
	}
	bc.stateType = event.Type{Type: bc.StateType, Class: event.StateEventType}

	if bc.MaxRooms <= 0 {
		bc.MaxRooms = defaultMaxRooms
	}
	if bc.EventMaxRooms <= 0 {
		bc.EventMaxRooms = defaultEventMaxRooms
	}

	var err error
	bc.syncTimeout = defaultSyncTimeout
	if bc.SyncTimeout != "" {
		if bc.syncTimeout, err = time.ParseDuration(bc.SyncTimeout); err != nil {
			return fmt.Errorf("invalid sync_timeout: %w", err)
		}
	}

	if bc.ResyncSchedule != "" {
		bc.schedule, err = cron.ParseStandard(bc.ResyncSchedule)
		if err != nil {
			return fmt.Errorf("invalid resync_schedule: %w", err)
		}
		return nil
	}
	interval := defaultResyncInterval
	if bc.ResyncInterval != "" {
		if interval, err = time.ParseDuration(bc.ResyncInterval); err != nil {
			return fmt.Errorf("invalid resync_interval: %w", err)
		}
		if interval < time.Minute {
			return fmt.Errorf("resync_interval %s is shorter than a minute", interval)
		}
	}
	bc.schedule = cron.Every(interval)
	return nil
}

// StateEventType returns the custom state type holding room links.
func (bc *BotConfig) StateEventType() event.Type {
	return bc.stateType
}

// LongPollTimeout returns the server-side timeout of one /sync request.
func (bc *BotConfig) LongPollTimeout() time.Duration {
	return bc.syncTimeout
}

// NextResync returns when the full reconciliation after last is due.
func (bc *BotConfig) NextResync(last time.Time) time.Time {
	return bc.schedule.Next(last)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "access_token")
	helper.Copy(up.Str, "homeserver", "user_id")

	helper.Copy(up.Str, "bot", "command_prefix")
	helper.Copy(up.Str, "bot", "state_type")
	helper.Copy(up.Str, "bot", "resync_interval")
	helper.Copy(up.Str, "bot", "resync_schedule")
	helper.Copy(up.Int, "bot", "max_rooms")
	helper.Copy(up.Int, "bot", "event_max_rooms")
	helper.Copy(up.Bool, "bot", "fanout_on_join")
	helper.Copy(up.Bool, "bot", "reinvite_left_members")
	helper.Copy(up.Bool, "bot", "reinvite_left_on_join")
	helper.Copy(up.Str, "bot", "sync_timeout")

	helper.Copy(up.Str, "admin_api", "address")

	helper.Copy(up.Str, "tracing", "otlp_endpoint")
	helper.Copy(up.Str, "tracing", "service_name")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the embedded example config.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// LoadConfig reads, upgrades and validates the config file at path. When
// save is true the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
