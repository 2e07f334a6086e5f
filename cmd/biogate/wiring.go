package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/haukened/biogate/internal/app"
	"github.com/haukened/biogate/internal/config"
	"github.com/haukened/biogate/internal/keystore"
	"github.com/haukened/biogate/internal/keystore/sqlite"
	"github.com/haukened/biogate/internal/keystore/wrap"
	"github.com/haukened/biogate/internal/metrics"
	"github.com/haukened/biogate/internal/platform"
	"github.com/haukened/biogate/internal/platform/terminal"
	"github.com/haukened/biogate/internal/telemetry"
)

// openTerminal returns the terminal PINs are read from. It prefers the
// controlling tty so stdin stays free for data.
var openTerminal = func() (terminal.Terminal, func() error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return terminal.StdTerminal{In: os.Stdin, Out: os.Stderr}, func() error { return nil }
	}
	return terminal.StdTerminal{In: tty, Out: tty}, tty.Close
}

// deps is the wired object graph shared by every command.
type deps struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	caps    *platform.Capability
	metrics *metrics.Manager
	keys    *keystore.Registry
	auth    *terminal.Authenticator
	svc     *app.Service

	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	return cfg, nil
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0o700)
	case err != nil:
		return err
	case !st.IsDir():
		return fmt.Errorf("%w: data path %q is not a directory", errConfig, dir)
	}
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// loadPassphrase resolves the local wrap passphrase. A passphrase file has
// its trailing newline stripped.
func loadPassphrase(cfg *config.Config) ([]byte, error) {
	switch {
	case cfg.Passphrase != "":
		return []byte(cfg.Passphrase), nil
	case cfg.PassphraseFile != "":
		b, err := os.ReadFile(cfg.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading passphrase file: %w", errConfig, err)
		}
		b = []byte(strings.TrimRight(string(b), "\r\n"))
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: passphrase file is empty", errConfig)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: passphrase or passphrase_file is required for the local wrap provider", errConfig)
	}
}

func newWrapper(ctx context.Context, cfg *config.Config, db *sql.DB) (keystore.Wrapper, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.WrapProvider == "kms" {
		k, err := wrap.NewCloudKMS(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, err
		}
		return k, func(context.Context) error { return k.Close() }, nil
	}
	pass, err := loadPassphrase(cfg)
	if err != nil {
		return nil, nil, err
	}
	defer wrap.Zeroize(pass)
	if err := sqlite.InitSchema(ctx, db); err != nil {
		return nil, nil, err
	}
	salt, err := sqlite.LoadOrCreateSalt(ctx, db, wrap.SaltSize)
	if err != nil {
		return nil, nil, err
	}
	l, err := wrap.NewLocal(pass, salt)
	if err != nil {
		return nil, nil, err
	}
	return l, noop, nil
}

// keySpec is the default key spec restricted to the configured
// authenticator set.
func keySpec(cfg *config.Config) keystore.KeySpec {
	spec := keystore.DefaultSpec()
	spec.Authenticators = cfg.Authenticators
	return spec
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*slog.Logger, *sdktrace.TracerProvider, error) {
	log := telemetry.NewLogger(os.Stderr, cfg.SlogLevel(), cfg.OtelEnabled)
	slog.SetDefault(log)
	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:      cfg.OtelEnabled,
		Endpoint:     cfg.OtelEndpoint,
		ServiceName:  cfg.OtelServiceName,
		SamplingRate: cfg.OtelSamplingRate,
		Insecure:     true,
	})
	if err != nil {
		return nil, nil, err
	}
	return log, tp, nil
}

// buildDeps wires the full graph. On error everything opened so far is
// closed again.
func buildDeps(ctx context.Context, cfg *config.Config) (d *deps, err error) {
	d = &deps{cfg: cfg}
	defer func() {
		if err != nil {
			d.close(context.Background())
			d = nil
		}
	}()

	log, tp, err := initTelemetry(ctx, cfg)
	if err != nil {
		return d, err
	}
	d.log = log
	if tp != nil {
		d.closers = append(d.closers, tp.Shutdown)
	}

	if err = ensureDataDir(cfg.DataDir); err != nil {
		return d, err
	}
	if d.db, err = openDatabase(ctx, cfg); err != nil {
		return d, err
	}
	d.closers = append(d.closers, func(context.Context) error { return d.db.Close() })

	d.metrics = metrics.New(d.db, metrics.Config{Logger: log})
	if err = d.metrics.InitSchema(ctx); err != nil {
		return d, err
	}
	d.metrics.Start(context.Background())
	d.closers = append(d.closers, d.metrics.Stop)

	wrapper, closeWrapper, err := newWrapper(ctx, cfg, d.db)
	if err != nil {
		return d, err
	}
	d.closers = append(d.closers, closeWrapper)

	backend, err := sqlite.New(d.db, wrapper)
	if err != nil {
		return d, err
	}
	d.caps = platform.NewCapability(cfg.SecureStorage, d.db.PingContext, log)

	tty, closeTTY := openTerminal()
	d.closers = append(d.closers, func(context.Context) error { return closeTTY() })
	if d.auth, err = terminal.New(terminal.Config{
		PINFile:     cfg.PINFile(),
		MaxAttempts: cfg.MaxPINAttempts,
		Terminal:    tty,
		Logger:      log,
	}); err != nil {
		return d, err
	}

	if d.keys, err = keystore.NewRegistry(keystore.Config{
		Backend:    backend,
		Capability: d.caps,
		Enrollment: d.auth,
		Spec:       keySpec(cfg),
		Counter:    d.metrics,
		Logger:     log,
	}); err != nil {
		return d, err
	}

	gate, err := app.NewGate(app.GateConfig{
		Capability:     d.caps,
		Authenticator:  d.auth,
		Authenticators: cfg.Authenticators,
		PromptTimeout:  cfg.PromptTimeout,
		Counter:        d.metrics,
		Logger:         log,
	})
	if err != nil {
		return d, err
	}
	d.svc, err = app.NewService(app.ServiceConfig{
		Gate:     gate,
		Keys:     d.keys,
		Enroller: d.auth,
		Counter:  d.metrics,
		Logger:   log,
	})
	return d, err
}

// close releases resources in reverse order of acquisition.
func (d *deps) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && d.log != nil {
			d.log.Warn("shutdown", "error", err)
		}
	}
	d.closers = nil
}
