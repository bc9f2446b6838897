// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML file of per-workflow overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"callsync/crm"
	"callsync/db"
	"callsync/storage"
	"callsync/summary"
	"callsync/telephony"
)

type Config struct {
	Environment     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	DryRun          bool          `env:"DRY_RUN" envDefault:"false"`
	DisplayTimezone string        `env:"DISPLAY_TIMEZONE" envDefault:"America/Los_Angeles"`
	WorkflowsFile   string        `env:"WORKFLOWS_FILE"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Workflow-wide defaults; WORKFLOWS_FILE may override them per kind.
	CallTimeout         time.Duration `env:"CALL_TIMEOUT" envDefault:"60s"`
	WorkflowConcurrency int           `env:"WORKFLOW_CONCURRENCY" envDefault:"2"`
	AssemblyConcurrency int           `env:"ASSEMBLY_CONCURRENCY" envDefault:"3"`

	Log         LogConfig         `envPrefix:"LOG_"`
	DB          DBConfig          `envPrefix:"DB_"`
	RingCentral RingCentralConfig `envPrefix:"RINGCENTRAL_"`
	AgencyZoom  AgencyZoomConfig  `envPrefix:"AGENCYZOOM_"`
	Spaces      SpacesConfig      `envPrefix:"SPACES_"`
	OpenAI      OpenAIConfig      `envPrefix:"OPENAI_"`
	Admin       AdminConfig       `envPrefix:"ADMIN_"`
}

type DBConfig struct {
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"5"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
}

type RingCentralConfig struct {
	ServerURL         string `env:"SERVER_URL" envDefault:"https://platform.ringcentral.com"`
	ClientID          string `env:"CLIENT_ID"`
	ClientSecret      string `env:"CLIENT_SECRET"`
	JWT               string `env:"JWT"`
	PageSize          int    `env:"PAGE_SIZE" envDefault:"100"`
	RequestsPerMinute int    `env:"REQUESTS_PER_MINUTE" envDefault:"40"`
}

type AgencyZoomConfig struct {
	BaseURL            string `env:"BASE_URL" envDefault:"https://api.agencyzoom.com"`
	Username           string `env:"USERNAME"`
	Password           string `env:"PASSWORD"`
	FallbackCustomerID int64  `env:"FALLBACK_CUSTOMER_ID"`
	FallbackCSRID      int64  `env:"FALLBACK_CSR_ID"`
	RequestsPerMinute  int    `env:"REQUESTS_PER_MINUTE" envDefault:"30"`
}

type SpacesConfig struct {
	Endpoint      string `env:"ENDPOINT" envDefault:"nyc3.digitaloceanspaces.com"`
	Region        string `env:"REGION" envDefault:"nyc3"`
	Bucket        string `env:"BUCKET"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	Prefix        string `env:"PREFIX" envDefault:"recordings/"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	Insecure      bool   `env:"INSECURE"`
}

type OpenAIConfig struct {
	APIKey             string `env:"API_KEY"`
	BaseURL            string `env:"BASE_URL" envDefault:"https://api.openai.com"`
	TranscriptionModel string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	SummaryModel       string `env:"SUMMARY_MODEL" envDefault:"gpt-4o-mini"`
}

type AdminConfig struct {
	Username           string        `env:"USERNAME" envDefault:"admin"`
	PasswordHash       string        `env:"PASSWORD_HASH"`
	ViewerUsername     string        `env:"VIEWER_USERNAME"`
	ViewerPasswordHash string        `env:"VIEWER_PASSWORD_HASH"`
	JWTSecret          string        `env:"JWT_SECRET"`
	TokenTTL           time.Duration `env:"TOKEN_TTL" envDefault:"12h"`
}

// Enabled reports whether admin logins are configured.
func (a AdminConfig) Enabled() bool {
	return a.JWTSecret != "" && a.PasswordHash != ""
}

// Load reads envFile (".env" when empty; a missing default file is fine)
// and then parses the environment. Real environment variables win over
// the file.
func Load(envFile string) (Config, error) {
	path := envFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if envFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	missing := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	if !c.DryRun {
		missing("DATABASE_URL", c.DatabaseURL)
		missing("AGENCYZOOM_USERNAME", c.AgencyZoom.Username)
		missing("AGENCYZOOM_PASSWORD", c.AgencyZoom.Password)
	}
	missing("RINGCENTRAL_CLIENT_ID", c.RingCentral.ClientID)
	missing("RINGCENTRAL_CLIENT_SECRET", c.RingCentral.ClientSecret)
	missing("RINGCENTRAL_JWT", c.RingCentral.JWT)
	missing("SPACES_BUCKET", c.Spaces.Bucket)
	missing("SPACES_ACCESS_KEY", c.Spaces.AccessKey)
	missing("SPACES_SECRET_KEY", c.Spaces.SecretKey)

	if c.Admin.PasswordHash != "" && c.Admin.JWTSecret == "" {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET is required when ADMIN_PASSWORD_HASH is set"))
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET must be at least 32 characters"))
	}
	if c.DB.MinConns < 0 || c.DB.MaxConns < 1 || c.DB.MinConns > c.DB.MaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS=%d and DB_MAX_CONNS=%d are inconsistent", c.DB.MinConns, c.DB.MaxConns))
	}
	if c.WorkflowConcurrency < 1 || c.AssemblyConcurrency < 1 {
		errs = append(errs, errors.New("WORKFLOW_CONCURRENCY and ASSEMBLY_CONCURRENCY must be at least 1"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Log.validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Location is the display timezone for note text. Comparisons stay in UTC.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("DISPLAY_TIMEZONE %q: %w", c.DisplayTimezone, err)
	}
	return loc, nil
}

func (c Config) PoolOptions() db.PoolOptions {
	return db.PoolOptions{
		MinConns:        c.DB.MinConns,
		MaxConns:        c.DB.MaxConns,
		MaxConnLifetime: c.DB.MaxConnLifetime,
		MaxConnIdleTime: c.DB.MaxConnIdleTime,
	}
}

func (c Config) RingCentralClient() telephony.RingCentralConfig {
	return telephony.RingCentralConfig{
		ServerURL:         c.RingCentral.ServerURL,
		ClientID:          c.RingCentral.ClientID,
		ClientSecret:      c.RingCentral.ClientSecret,
		JWTAssertion:      c.RingCentral.JWT,
		PageSize:          c.RingCentral.PageSize,
		RequestsPerMinute: c.RingCentral.RequestsPerMinute,
	}
}

func (c Config) AgencyZoomClient(loc *time.Location) crm.AgencyZoomConfig {
	return crm.AgencyZoomConfig{
		BaseURL:            c.AgencyZoom.BaseURL,
		Username:           c.AgencyZoom.Username,
		Password:           c.AgencyZoom.Password,
		FallbackCustomerID: c.AgencyZoom.FallbackCustomerID,
		FallbackCSRID:      c.AgencyZoom.FallbackCSRID,
		RequestsPerMinute:  c.AgencyZoom.RequestsPerMinute,
		Location:           loc,
	}
}

func (c Config) SpacesClient() storage.SpacesConfig {
	return storage.SpacesConfig(c.Spaces)
}

func (c Config) OpenAIClient() summary.OpenAIConfig {
	return summary.OpenAIConfig{
		BaseURL:            c.OpenAI.BaseURL,
		APIKey:             c.OpenAI.APIKey,
		TranscriptionModel: c.OpenAI.TranscriptionModel,
		SummaryModel:       c.OpenAI.SummaryModel,
	}
}
