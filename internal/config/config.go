package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jakechorley/escort-dispatch/pkg/core/availability"
)

const (
	defaultLockWait            = 5 * time.Second
	defaultLockTTL             = 30 * time.Second
	defaultTokenTTL            = 72 * time.Hour
	defaultDedupeWindow        = 10 * time.Minute
	defaultNotificationTimeout = 10 * time.Second
	defaultHTTPAddr            = ":8080"
	defaultInboxQuery          = "is:unread in:inbox"
)

// Config represents the application configuration
type Config struct {
	Backend         string `yaml:"backend" validate:"required,oneof=sheets postgres memory"`
	DatabaseSheetID string `yaml:"databaseSheetID" validate:"required_if=Backend sheets"`
	PostgresURL     string `yaml:"postgresURL" validate:"required_if=Backend postgres"`

	// RedisAddr enables cross-process locking when set
	RedisAddr string        `yaml:"redisAddr,omitempty"`
	LockWait  time.Duration `yaml:"lockWait,omitempty" validate:"min=0"`
	LockTTL   time.Duration `yaml:"lockTTL,omitempty" validate:"min=0"`

	TokenTTL       time.Duration `yaml:"tokenTTL,omitempty" validate:"min=0"`
	ConfirmBaseURL string        `yaml:"confirmBaseURL" validate:"required,url"`
	HTTPAddr       string        `yaml:"httpAddr,omitempty"`
	Timezone       string        `yaml:"timezone,omitempty"`

	PartialAssignmentStatus string        `yaml:"partialAssignmentStatus,omitempty" validate:"omitempty,oneof=Pending Unassigned"`
	DedupeWindow            time.Duration `yaml:"dedupeWindow,omitempty" validate:"min=0"`

	GmailUserID         string        `yaml:"gmailUserID,omitempty"`
	GmailSender         string        `yaml:"gmailSender,omitempty" validate:"omitempty,email"`
	InboxQuery          string        `yaml:"inboxQuery,omitempty"`
	CalendarID          string        `yaml:"calendarID,omitempty"`
	NotificationTimeout time.Duration `yaml:"notificationTimeout,omitempty" validate:"min=0"`

	// BlackoutRules are RRULEs naming days on which no rider may be assigned
	BlackoutRules []string `yaml:"blackoutRules,omitempty" validate:"dive,required"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// LoadWithEnv loads the configuration for an environment from the current
// directory or, failing that, the home directory.
// For example, env="test" will look for "dispatch_config.test.yaml"
func LoadWithEnv(env string) (*Config, error) {
	configPath, err := findConfigFile(env)
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration struct, the timezone and blackout rules
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	for i, rule := range cfg.BlackoutRules {
		if _, err := availability.ParseBlackout(rule, loc); err != nil {
			return fmt.Errorf("invalid rrule in blackoutRules[%d]: %w", i, err)
		}
	}

	return nil
}

// Location returns the configured timezone, UTC when unset
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyDefaults() {
	if c.LockWait == 0 {
		c.LockWait = defaultLockWait
	}
	if c.LockTTL == 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = defaultDedupeWindow
	}
	if c.NotificationTimeout == 0 {
		c.NotificationTimeout = defaultNotificationTimeout
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.PartialAssignmentStatus == "" {
		c.PartialAssignmentStatus = "Pending"
	}
	if c.GmailUserID == "" {
		c.GmailUserID = "me"
	}
	if c.InboxQuery == "" {
		c.InboxQuery = defaultInboxQuery
	}
}

// findConfigFile resolves the config file name for env
// If env is provided, it adds it as an extension (e.g., "dispatch_config.test.yaml")
func findConfigFile(env string) (string, error) {
	name := "dispatch_config.yaml"
	if env != "" {
		name = "dispatch_config." + env + ".yaml"
	}
	return findFile(name)
}
