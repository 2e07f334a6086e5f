// Package config provides layered configuration loading for biogate.
// It merges Defaults -> Environment Variables (BIOGATE_*), then validates.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/biogate/internal/domain"
)

// EnvPrefix is stripped from environment variable names before they are
// matched against koanf keys, e.g. BIOGATE_DATA_DIR -> data_dir.
const EnvPrefix = "BIOGATE_"

// Config holds the merged runtime configuration.
type Config struct {
	DataDir          string                `koanf:"data_dir" validate:"required,safe_path"`
	SecureStorage    bool                  `koanf:"secure_storage"`
	Authenticators   domain.Authenticators `koanf:"authenticators" validate:"authenticators"`
	WrapProvider     string                `koanf:"wrap_provider" validate:"oneof=local kms"`
	Passphrase       string                `koanf:"passphrase"`
	PassphraseFile   string                `koanf:"passphrase_file"`
	KMSKeyName       string                `koanf:"kms_key_name"`
	WatchInterval    time.Duration         `koanf:"watch_interval" validate:"gte=1s"`
	PromptTimeout    time.Duration         `koanf:"prompt_timeout" validate:"gte=0"`
	MaxPINAttempts   int                   `koanf:"max_pin_attempts" validate:"gte=1,lte=20"`
	LogLevel         string                `koanf:"log_level" validate:"oneof=debug info warn error"`
	OtelEnabled      bool                  `koanf:"otel_enabled"`
	OtelEndpoint     string                `koanf:"otel_endpoint" validate:"hostname_port"`
	OtelServiceName  string                `koanf:"otel_service_name" validate:"required"`
	OtelSamplingRate float64               `koanf:"otel_sampling_rate" validate:"gte=0,lte=1"`
}

// DefaultAppConfig holds the defaults every other layer overrides.
var DefaultAppConfig = Config{
	DataDir:          "data",
	SecureStorage:    true,
	Authenticators:   domain.DefaultAuthenticators,
	WrapProvider:     "local",
	WatchInterval:    30 * time.Second,
	PromptTimeout:    2 * time.Minute,
	MaxPINAttempts:   5,
	LogLevel:         "info",
	OtelEnabled:      false,
	OtelEndpoint:     "localhost:4317",
	OtelServiceName:  "biogate",
	OtelSamplingRate: 1.0,
}

// defaultLoader loads DefaultAppConfig into k. Swapped in tests.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

// envLoader overlays BIOGATE_* variables onto k. Swapped in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
}

// registerValidators installs the custom validation tags. Swapped in tests.
var registerValidators = func(v *validator.Validate) error {
	if err := v.RegisterValidation("safe_path", validSafePath); err != nil {
		return err
	}
	return v.RegisterValidation("authenticators", validAuthenticators)
}

// Load builds the configuration from defaults and the environment and
// validates it.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToAuthenticators(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("registering validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validateLogic(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateLogic covers rules that span several fields.
func (c *Config) validateLogic() error {
	if c.WrapProvider == "kms" && c.KMSKeyName == "" {
		return errors.New("kms_key_name is required when wrap_provider is kms")
	}
	if c.Passphrase != "" && c.PassphraseFile != "" {
		return errors.New("passphrase and passphrase_file are mutually exclusive")
	}
	return nil
}

// SQLiteDSN returns the database DSN under DataDir.
func (c *Config) SQLiteDSN() string {
	params := "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
	return "file:" + path.Join(c.DataDir, "biogate.db") + params
}

// PINFile is where the terminal authenticator keeps its PIN hash.
func (c *Config) PINFile() string { return path.Join(c.DataDir, "pin.hash") }

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validSafePath rejects empty, root and traversal paths.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || strings.TrimSpace(p) != p {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	clean := path.Clean(p)
	return clean != "." && clean != "/"
}

// validAuthenticators requires a non-empty set of known bits.
func validAuthenticators(fl validator.FieldLevel) bool {
	a := domain.Authenticators(fl.Field().Uint())
	all := domain.BiometricStrong | domain.BiometricWeak | domain.DeviceCredential
	return a != 0 && a&^all == 0
}
