package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vibereading/syncbridge/internal/bridge"
	"github.com/vibereading/syncbridge/internal/config"
	"github.com/vibereading/syncbridge/internal/httpapi"
	"github.com/vibereading/syncbridge/internal/kvstore"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	v          *viper.Viper
	configFile string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "syncbridge",
		Short:         "Keep a page store and an extension store in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			zcfg := zap.NewProductionConfig()
			if a.verbose || cfg.Verbose {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := zcfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./syncbridge.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.String("page", "", "page store DSN")
	flags.String("extension", "", "extension store DSN")
	flags.String("area", "", "shared change-notification area")
	flags.Duration("interval", 0, "reconcile interval")
	flags.Float64("interval-jitter", 0, "reconcile interval jitter ratio (0.0-1.0)")
	flags.Bool("validate", false, "drop page values that do not match their key's schema")
	flags.String("listen", "", "HTTP listen address")
	flags.String("token", "", "bearer token for the HTTP API")
	flags.StringSlice("origin", nil, "page origin host pattern allowed to open the event stream (repeatable)")
	for key, flag := range map[string]string{
		"page_dsn":        "page",
		"extension_dsn":   "extension",
		"shared_area":     "area",
		"interval":        "interval",
		"interval_jitter": "interval-jitter",
		"validate":        "validate",
		"listen":          "listen",
		"token":           "token",
		"origins":         "origin",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(a.runCmd(), a.onceCmd(), a.dumpCmd(), a.captureCmd(), a.consumeCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bootstrap, then propagate changes and reconcile until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run bootstrap and one reconciliation pass, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBridge(cmd.Context(), nil, func(ctx context.Context, b *bridge.Bridge, page, extension kvstore.Store) error {
				if err := b.Bootstrap(ctx); err != nil {
					return err
				}
				report, err := b.Reconcile(ctx)
				if err != nil {
					return err
				}
				return a.printYAML(map[string]int{
					"pushed":    report.Pushed,
					"pulled":    report.Pulled,
					"rejected":  report.Rejected,
					"failed":    report.Failed,
					"unchanged": report.Unchanged,
				})
			})
		},
	}
}

func (a *app) dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the synchronized keys held by both stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			page, extension, err := a.openStores(ctx)
			if err != nil {
				return err
			}
			defer closeStores(a.logger, page, extension)

			out := map[string]map[string]any{}
			for name, store := range map[string]kvstore.Store{"page": page, "extension": extension} {
				values, err := readSyncValues(ctx, store)
				if err != nil {
					return fmt.Errorf("read %s store: %w", name, err)
				}
				out[name] = values
			}
			return a.printYAML(out)
		},
	}
}

func (a *app) captureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <slot> <payload>",
		Short: "Write a payload into a capture slot of the extension store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := bridge.ParseCaptureSlot(args[0])
			if err != nil {
				return err
			}
			return a.withBridge(cmd.Context(), nil, func(ctx context.Context, b *bridge.Bridge, _, _ kvstore.Store) error {
				return b.Produce(ctx, slot, args[1])
			})
		},
	}
}

func (a *app) consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume <slot>",
		Short: "Print and clear a capture slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := bridge.ParseCaptureSlot(args[0])
			if err != nil {
				return err
			}
			return a.withBridge(cmd.Context(), nil, func(ctx context.Context, b *bridge.Bridge, _, _ kvstore.Store) error {
				payload, err := b.Consume(ctx, slot)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, payload)
				return err
			})
		},
	}
}

func (a *app) run(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := httpapi.NewEventHub()
	opts := &bridge.Options{
		CaptureSink: hub,
		Metrics:     bridge.NewMetrics(registry),
	}

	return a.withBridge(ctx, opts, func(ctx context.Context, b *bridge.Bridge, page, _ kvstore.Store) error {
		server := httpapi.NewServer(b, page, hub, httpapi.ServerConfig{
			Token:          a.cfg.Token,
			OriginPatterns: a.cfg.Origins,
			Gatherer:       registry,
			Logger:         a.logger.Named("http"),
		})
		listener, err := net.Listen("tcp", a.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", a.cfg.Listen, err)
		}
		httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return b.Run(gctx)
		})
		g.Go(func() error {
			hub.Forward(gctx, b.Notifier())
			return nil
		})
		g.Go(func() error {
			a.logger.Info("http api listening", zap.String("addr", listener.Addr().String()))
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		err = g.Wait()
		a.logger.Info("syncbridge stopping", zap.Error(ctx.Err()))
		return err
	})
}

// withBridge opens both stores, builds a bridge over them from the loaded
// configuration and closes the stores once fn returns. extra, when non-nil,
// supplies the sink and metrics.
func (a *app) withBridge(ctx context.Context, extra *bridge.Options, fn func(context.Context, *bridge.Bridge, kvstore.Store, kvstore.Store) error) error {
	page, extension, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores(a.logger, page, extension)

	opts := bridge.Options{}
	if extra != nil {
		opts = *extra
	}
	opts.SharedArea = a.cfg.SharedArea
	opts.ReconcileInterval = a.cfg.Interval
	opts.ReconcileJitter = a.cfg.IntervalJitter
	opts.ValidateValues = a.cfg.ValidateValues
	opts.Logger = a.logger.Named("bridge")

	b, err := bridge.New(page, extension, opts)
	if err != nil {
		return err
	}
	return fn(ctx, b, page, extension)
}

func (a *app) openStores(ctx context.Context) (kvstore.Store, kvstore.Store, error) {
	page, err := kvstore.Open(ctx, a.cfg.PageDSN, kvstore.Options{
		Name:     "page",
		Area:     a.cfg.SharedArea,
		Encoding: kvstore.EncodingStrings,
		Logger:   a.logger.Named("page"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open page store: %w", err)
	}
	extension, err := kvstore.Open(ctx, a.cfg.ExtensionDSN, kvstore.Options{
		Name:   "extension",
		Area:   a.cfg.SharedArea,
		Logger: a.logger.Named("extension"),
	})
	if err != nil {
		_ = page.Close()
		return nil, nil, fmt.Errorf("open extension store: %w", err)
	}
	return page, extension, nil
}

func closeStores(logger *zap.Logger, stores ...kvstore.Store) {
	for _, store := range stores {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", zap.String("store", store.Name()), zap.Error(err))
		}
	}
}

func readSyncValues(ctx context.Context, store kvstore.Store) (map[string]any, error) {
	keys := bridge.SyncKeys()
	storageKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		storageKeys = append(storageKeys, key.StorageKey())
	}
	values, err := store.Get(ctx, storageKeys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for _, key := range keys {
		if value, ok := values[key.StorageKey()]; ok {
			out[key.String()] = value
		}
	}
	return out, nil
}

func (a *app) printYAML(v any) error {
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "syncbridge:", err)
		stop()
		os.Exit(1)
	}
}
