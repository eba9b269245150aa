package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		// Driver is mysql, pgx, firestore or memory.
		Driver      string `yaml:"driver"`
		URL         string `yaml:"url"`
		MaxAttempts int    `yaml:"max_attempts"`
		Firestore   struct {
			ProjectID       string `yaml:"project_id"`
			CredentialsFile string `yaml:"credentials_file"`
		} `yaml:"firestore"`
	} `yaml:"database"`
	QPay struct {
		BaseURL            string `yaml:"base_url"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		InvoiceCode        string `yaml:"invoice_code"`
		BranchCode         string `yaml:"branch_code"`
		TimeoutSeconds     int    `yaml:"timeout_seconds"`
		TokenMarginSeconds int    `yaml:"token_margin_seconds"`
	} `yaml:"qpay"`
	Reconcile struct {
		CallbackBaseURL     string `yaml:"callback_base_url"`
		Currency            string `yaml:"currency"`
		VerifyAmount        *bool  `yaml:"verify_amount"`
		CheckTimeoutSeconds int    `yaml:"check_timeout_seconds"`
	} `yaml:"reconcile"`
	Redis struct {
		Addr              string `yaml:"addr"`
		Password          string `yaml:"password"`
		DB                int    `yaml:"db"`
		Prefix            string `yaml:"prefix"`
		LockTTLSeconds    int    `yaml:"lock_ttl_seconds"`
		PollBudget        int    `yaml:"poll_budget"`
		PollWindowMinutes int    `yaml:"poll_window_minutes"`
	} `yaml:"redis"`
	S3 struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"s3"`
	JWT struct {
		Secret string `yaml:"secret"`
	} `yaml:"jwt"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and defaults.
// A missing file at the default path is not an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Address = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Firestore.ProjectID, "FIRESTORE_PROJECT_ID")
	setString(&c.Database.Firestore.CredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	setString(&c.QPay.BaseURL, "QPAY_BASE_URL")
	setString(&c.QPay.Username, "QPAY_USERNAME")
	setString(&c.QPay.Password, "QPAY_PASSWORD")
	setString(&c.QPay.InvoiceCode, "QPAY_INVOICE_CODE")
	setString(&c.QPay.BranchCode, "QPAY_BRANCH_CODE")
	setString(&c.Reconcile.CallbackBaseURL, "QPAY_CALLBACK_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.S3.Bucket, "S3_BUCKET")
	setString(&c.S3.Region, "AWS_REGION")
	setString(&c.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.S3.AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&c.S3.SecretKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.JWT.Secret, "JWT_SECRET")

	ints := []struct {
		name string
		dst  *int
	}{
		{"DATABASE_MAX_ATTEMPTS", &c.Database.MaxAttempts},
		{"QPAY_TIMEOUT_SECONDS", &c.QPay.TimeoutSeconds},
		{"QPAY_TOKEN_MARGIN_SECONDS", &c.QPay.TokenMarginSeconds},
		{"REDIS_DB", &c.Redis.DB},
		{"POLL_BUDGET", &c.Redis.PollBudget},
		{"POLL_WINDOW_MINUTES", &c.Redis.PollWindowMinutes},
	}
	for _, item := range ints {
		v, err := readIntEnv(item.name)
		if err != nil {
			return fmt.Errorf("parse %s: %w", item.name, err)
		}
		if v != nil {
			*item.dst = *v
		}
	}

	if v := os.Getenv("VERIFY_PAID_AMOUNT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse VERIFY_PAID_AMOUNT: %w", err)
		}
		c.Reconcile.VerifyAmount = &b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4001"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.QPay.BaseURL == "" {
		c.QPay.BaseURL = "https://merchant.qpay.mn"
	}
	if c.Reconcile.Currency == "" {
		c.Reconcile.Currency = "MNT"
	}
	if c.Reconcile.VerifyAmount == nil {
		verify := true
		c.Reconcile.VerifyAmount = &verify
	}
}

// Validate reports the first setting that prevents the service from starting.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "pgx":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %s", c.Database.Driver)
		}
	case "firestore":
		if c.Database.Firestore.ProjectID == "" {
			return errors.New("database.firestore.project_id is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.QPay.Username == "" || c.QPay.Password == "" || c.QPay.InvoiceCode == "" {
		return errors.New("QPAY configuration incomplete")
	}
	if _, err := url.ParseRequestURI(c.QPay.BaseURL); err != nil {
		return fmt.Errorf("qpay.base_url: %w", err)
	}
	u, err := url.Parse(c.Reconcile.CallbackBaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("reconcile.callback_base_url must be an absolute url, got %q", c.Reconcile.CallbackBaseURL)
	}
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		return errors.New("s3.region is required when s3.bucket is set")
	}
	if c.QPay.TimeoutSeconds < 0 || c.Reconcile.CheckTimeoutSeconds < 0 || c.Redis.PollBudget < 0 {
		return errors.New("timeouts and budgets must not be negative")
	}
	return nil
}

func (c Config) QPayTimeout() time.Duration {
	return time.Duration(c.QPay.TimeoutSeconds) * time.Second
}

func (c Config) TokenMargin() time.Duration {
	return time.Duration(c.QPay.TokenMarginSeconds) * time.Second
}

func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.Reconcile.CheckTimeoutSeconds) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

func (c Config) PollWindow() time.Duration {
	return time.Duration(c.Redis.PollWindowMinutes) * time.Minute
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
