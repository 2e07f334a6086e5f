package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haukened/biogate/internal/app"
	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/metrics"
	"github.com/haukened/biogate/internal/watcher"
)

const version = "0.1.0"

var envFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "biogate",
		Short:         "Authentication-gated encryption on the local host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("%w: %w", errConfig, err)
				}
				return nil
			}
			// a missing default .env is fine
			_ = godotenv.Load()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")

	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(invalidateCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// withDeps loads configuration, wires the graph and runs fn with a context
// canceled on SIGINT or SIGTERM.
func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close(context.Background())
	return fn(ctx, d)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "biogate version %s\n", version)
		},
	}
}

func availabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "availability",
		Short: "Report whether the user can authenticate right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				capability := d.caps.Capability(ctx)
				avail := d.svc.CheckAvailability(ctx)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "capability:     %s\n", capability)
				fmt.Fprintf(out, "availability:   %s\n", avail)
				fmt.Fprintf(out, "authenticators: %s\n", d.cfg.Authenticators)
				if capability != domain.Supported {
					return domain.ErrPlatformUnsupported
				}
				return nil
			})
		},
	}
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a device credential (PIN)",
		Long:  "Enroll a device credential. Re-enrolling changes the enrollment set and invalidates existing keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				if err := d.svc.Enroll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "enrolled")
				return nil
			})
		},
	}
}

// promptFlags binds the prompt text flags shared by encrypt and decrypt.
func promptFlags(cmd *cobra.Command, p *app.Prompt) {
	cmd.Flags().StringVar(&p.Title, "title", "Authenticate", "Prompt title")
	cmd.Flags().StringVar(&p.Subtitle, "subtitle", "", "Prompt subtitle")
}

// readInput returns the contents of path, or of r when path is empty or "-".
func readInput(path string, r io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(r)
	}
	return os.ReadFile(path)
}

// outcome carries whichever callback the service invoked.
type outcome struct {
	data          []byte
	ok            bool
	hard          bool
	unrecoverable bool
}

// await blocks until a callback has fired. When ctx ends first the attempt
// is canceled, which still resolves it through a callback.
func await(ctx context.Context, svc *app.Service, ch <-chan outcome) outcome {
	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		svc.Cancel()
		return <-ch
	}
}

func failureErr(hard bool) error {
	if hard {
		return errors.New("authentication did not complete")
	}
	return domain.ErrAuthenticationFailed
}

func encryptCmd() *cobra.Command {
	var (
		key    string
		in     string
		prompt app.Prompt
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt input under a named key after authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readInput(in, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				ch := make(chan outcome, 1)
				err := d.svc.AuthenticateForEncryption(ctx, key, plaintext, prompt,
					func(env string) { ch <- outcome{data: []byte(env), ok: true} },
					func(hard bool) { ch <- outcome{hard: hard} },
				)
				if err != nil {
					return err
				}
				o := await(ctx, d.svc, ch)
				if !o.ok {
					return failureErr(o.hard)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(o.data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Key name (required)")
	cmd.Flags().StringVar(&in, "in", "", "Read plaintext from this file instead of stdin")
	promptFlags(cmd, &prompt)
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func decryptCmd() *cobra.Command {
	var (
		key    string
		in     string
		prompt app.Prompt
	)
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an envelope under a named key after authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(in, cmd.InOrStdin())
			if err != nil {
				return err
			}
			env := strings.TrimSpace(string(raw))
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				ch := make(chan outcome, 1)
				err := d.svc.AuthenticateForDecryption(ctx, key, env, prompt,
					func(plaintext []byte) { ch <- outcome{data: plaintext, ok: true} },
					func() { ch <- outcome{unrecoverable: true} },
					func(hard bool) { ch <- outcome{hard: hard} },
				)
				if err != nil {
					return err
				}
				o := await(ctx, d.svc, ch)
				switch {
				case o.unrecoverable:
					return fmt.Errorf("%w: %s", errUnrecoverableKey, key)
				case !o.ok:
					return failureErr(o.hard)
				}
				_, err = cmd.OutOrStdout().Write(o.data)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Key name (required)")
	cmd.Flags().StringVar(&in, "in", "", "Read the envelope from this file instead of stdin")
	promptFlags(cmd, &prompt)
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List key handles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				keys, err := d.svc.Keys(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tCREATED")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\n", k.Name, k.Status, k.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func invalidateCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate a key handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				if err := d.svc.Invalidate(ctx, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Key name (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Invalidate keys whenever the enrollment set changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				w := watcher.New(d.auth, d.keys, d.metrics, watcher.Config{
					Interval: d.cfg.WatchInterval,
					Logger:   d.log,
				})
				d.log.Info("watching enrollment", "interval", d.cfg.WatchInterval)
				w.Start(ctx)
				<-ctx.Done()
				w.Stop()
				m := w.MetricsSnapshot()
				d.log.Info("watch stopped", "cycles", m.Cycles, "changes", m.Changes, "invalidated", m.Invalidated, "errors", m.Errors)
				return nil
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print persisted counters as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				r, err := metrics.BuildReport(ctx, d.metrics)
				if err != nil {
					return err
				}
				return r.WriteJSON(cmd.OutOrStdout())
			})
		},
	}
}
