package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"calremind/internal/fsutil"
)

// NOTE: The YAML file is the primary configuration. Environment variables
// (optionally from a .env file) override individual fields so that the
// same binary can run from a plain env-based setup.

// Calendar providers.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"
)

const defaultTemplate = "Reminder: {event_name} starts in {minutes} minutes"

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used in event ids and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// CalendarConfig selects and configures the calendar source.
type CalendarConfig struct {
	// Provider is "google" or "ics".
	Provider string `yaml:"provider" json:"provider"`

	// CredentialsPath is the Google OAuth client JSON.
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path"`
	// TokenPath is the stored OAuth token JSON.
	TokenPath string `yaml:"token_path" json:"token_path"`
	// CalendarID defaults to "primary".
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// CacheDir stores ICS bodies and HTTP cache metadata.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// ICS is the list of subscribed ICS feeds.
	ICS []ICSConfig `yaml:"ics" json:"ics"`
}

// HomeAssistantConfig holds the speaker bridge settings.
type HomeAssistantConfig struct {
	BaseURL     string `yaml:"base_url" json:"base_url"`
	AccessToken string `yaml:"access_token" json:"-"`
	// Target is a script.*, notify.* or media_player.* id.
	Target string `yaml:"target" json:"target"`
}

// HealthAlertConfig controls calendar failure alerts.
type HealthAlertConfig struct {
	// Alerts are only spoken while the local hour is in [StartHour, EndHour).
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
	// IntervalSeconds is the minimum gap between two alerts.
	IntervalSeconds int `yaml:"interval" json:"interval"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status API address. Empty disables the server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for quiet hours and event times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// CheckIntervalSeconds is the poll interval.
	CheckIntervalSeconds int `yaml:"check_interval" json:"check_interval"`
	// LookaheadMinutes is the fetch window after now.
	LookaheadMinutes int `yaml:"lookahead_minutes" json:"lookahead_minutes"`
	// MaxResults caps events per fetch.
	MaxResults int `yaml:"max_results" json:"max_results"`
	// RequestTimeoutSeconds bounds every network call.
	RequestTimeoutSeconds int `yaml:"request_timeout" json:"request_timeout"`

	// MessageTemplate supports {event_name} and {minutes}.
	MessageTemplate string `yaml:"message_template" json:"message_template"`

	// StateFile persists already-announced reminders.
	StateFile string `yaml:"state_file" json:"state_file"`
	// MaxRecords is the number of events remembered before a full reset.
	MaxRecords int `yaml:"max_records" json:"max_records"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	HomeAssistant HomeAssistantConfig `yaml:"home_assistant" json:"home_assistant"`
	HealthAlert   HealthAlertConfig   `yaml:"health_alert" json:"health_alert"`
	Calendar      CalendarConfig      `yaml:"calendar" json:"calendar"`

	// BasicAuth, if set, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                "",
		Timezone:              "Local",
		CheckIntervalSeconds:  60,
		LookaheadMinutes:      60,
		MaxResults:            50,
		RequestTimeoutSeconds: 10,
		MessageTemplate:       defaultTemplate,
		StateFile:             "reminded_events.json",
		MaxRecords:            100,
		LogLevel:              "info",
		HealthAlert: HealthAlertConfig{
			StartHour:       17,
			EndHour:         21,
			IntervalSeconds: 3600,
		},
		Calendar: CalendarConfig{
			// Empty provider is resolved by Normalize from the feed list.
			Provider:        "",
			CredentialsPath: "credentials.json",
			TokenPath:       "token.json",
			CalendarID:      "primary",
			CacheDir:        "./var/ics-cache",
			ICS:             []ICSConfig{},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.CheckIntervalSeconds <= 0 {
		c.CheckIntervalSeconds = d.CheckIntervalSeconds
	}
	if c.LookaheadMinutes <= 0 {
		c.LookaheadMinutes = d.LookaheadMinutes
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = d.RequestTimeoutSeconds
	}
	if c.MessageTemplate == "" {
		c.MessageTemplate = d.MessageTemplate
	}
	if c.StateFile == "" {
		c.StateFile = d.StateFile
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.HealthAlert.IntervalSeconds <= 0 {
		c.HealthAlert.IntervalSeconds = d.HealthAlert.IntervalSeconds
	}
	// Out-of-range hours fall back to the defaults; 0 is a valid hour.
	if c.HealthAlert.StartHour < 0 || c.HealthAlert.StartHour > 23 {
		c.HealthAlert.StartHour = d.HealthAlert.StartHour
	}
	if c.HealthAlert.EndHour < 0 || c.HealthAlert.EndHour > 24 {
		c.HealthAlert.EndHour = d.HealthAlert.EndHour
	}

	c.Calendar.Provider = strings.ToLower(strings.TrimSpace(c.Calendar.Provider))
	switch c.Calendar.Provider {
	case ProviderGoogle, ProviderICS:
	case "":
		if len(c.Calendar.ICS) > 0 {
			c.Calendar.Provider = ProviderICS
		} else {
			c.Calendar.Provider = ProviderGoogle
		}
	}
	if c.Calendar.CredentialsPath == "" {
		c.Calendar.CredentialsPath = d.Calendar.CredentialsPath
	}
	if c.Calendar.TokenPath == "" {
		c.Calendar.TokenPath = d.Calendar.TokenPath
	}
	if c.Calendar.CalendarID == "" {
		c.Calendar.CalendarID = d.Calendar.CalendarID
	}
	if c.Calendar.CacheDir == "" {
		c.Calendar.CacheDir = d.Calendar.CacheDir
	}
	if c.Calendar.ICS == nil {
		c.Calendar.ICS = []ICSConfig{}
	}
	for i := range c.Calendar.ICS {
		src := &c.Calendar.ICS[i]
		if src.ID == "" {
			if src.Name != "" {
				src.ID = src.Name
			} else {
				src.ID = fmt.Sprintf("ics-%d", i+1)
			}
		}
	}
}

// Validate reports settings that make startup impossible.
func (c *Config) Validate() error {
	var errs []error
	if c.HomeAssistant.BaseURL == "" {
		errs = append(errs, errors.New("home_assistant.base_url (HA_BASE_URL) is required"))
	}
	if c.HomeAssistant.AccessToken == "" {
		errs = append(errs, errors.New("home_assistant.access_token (HA_ACCESS_TOKEN) is required"))
	}
	if c.HomeAssistant.Target == "" {
		errs = append(errs, errors.New("home_assistant.target (XIAOMI_SPEAKER_ENTITY_ID) is required"))
	}

	switch c.Calendar.Provider {
	case ProviderGoogle:
		if c.Calendar.CredentialsPath == "" {
			errs = append(errs, errors.New("calendar.credentials_path is required for the google provider"))
		}
	case ProviderICS:
		if len(c.Calendar.ICS) == 0 {
			errs = append(errs, errors.New("calendar.ics needs at least one feed for the ics provider"))
		}
		for _, src := range c.Calendar.ICS {
			if src.URL == "" {
				errs = append(errs, fmt.Errorf("calendar.ics[%s].url is empty", src.ID))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown calendar.provider %q", c.Calendar.Provider))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. "Local" maps to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c *Config) Lookahead() time.Duration {
	return time.Duration(c.LookaheadMinutes) * time.Minute
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) AlertInterval() time.Duration {
	return time.Duration(c.HealthAlert.IntervalSeconds) * time.Second
}

// Load loads configuration from the given YAML path and applies
// environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config with 0600 perms
//   - continue with the defaults
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - env overrides, then Normalize
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		// Unmarshal over the defaults so omitted keys keep them; 0 is a
		// valid hour and cannot be told apart from "unset" afterwards.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	err := gotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from environment variables, using the variable
// names of the env-only setup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("HA_BASE_URL", &c.HomeAssistant.BaseURL)
	str("HA_ACCESS_TOKEN", &c.HomeAssistant.AccessToken)
	str("XIAOMI_SPEAKER_ENTITY_ID", &c.HomeAssistant.Target)
	str("GOOGLE_CREDENTIALS_PATH", &c.Calendar.CredentialsPath)
	str("GOOGLE_TOKEN_PATH", &c.Calendar.TokenPath)
	str("GOOGLE_CALENDAR_ID", &c.Calendar.CalendarID)
	str("CALENDAR_PROVIDER", &c.Calendar.Provider)
	str("REMINDER_MESSAGE_TEMPLATE", &c.MessageTemplate)
	str("STATE_FILE", &c.StateFile)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("LISTEN", &c.Listen)
	num("CHECK_INTERVAL", &c.CheckIntervalSeconds)
	num("HEALTH_ALERT_START_HOUR", &c.HealthAlert.StartHour)
	num("HEALTH_ALERT_END_HOUR", &c.HealthAlert.EndHour)
	num("HEALTH_ALERT_INTERVAL", &c.HealthAlert.IntervalSeconds)

	if v, ok := lookup("ICS_URLS"); ok && v != "" {
		var feeds []ICSConfig
		for i, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			feeds = append(feeds, ICSConfig{URL: u, ID: fmt.Sprintf("ics-%d", i+1)})
		}
		c.Calendar.ICS = feeds
	}

	return errors.Join(errs...)
}

// Save writes the given configuration to the specified path.
//
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename, final perms 0600.
//   - Writes a normalized copy; cfg itself is not modified. An empty
//     calendar provider stays empty so that Load can resolve it from the
//     feed list, including feeds that only come from the environment.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	data, err := yaml.Marshal(cfg.normalizedCopy())
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(afero.NewOsFs(), path, data, ".calremind-config-*.tmp")
}

func (c *Config) normalizedCopy() *Config {
	out := *c
	out.Calendar.ICS = append([]ICSConfig(nil), c.Calendar.ICS...)
	if c.BasicAuth != nil {
		ba := *c.BasicAuth
		out.BasicAuth = &ba
	}
	out.Normalize()
	if strings.TrimSpace(c.Calendar.Provider) == "" {
		out.Calendar.Provider = ""
	}
	return &out
}
