package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
	"github.com/eddielth/flowguard-bridge/metrics"
	"github.com/eddielth/flowguard-bridge/mqtt"
	"github.com/eddielth/flowguard-bridge/pipeline"
	"github.com/eddielth/flowguard-bridge/storage"
	"github.com/eddielth/flowguard-bridge/transformer"
)

const defaultConfigPath = "config.yaml"

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowguard-bridge",
		Short:         "Ingest FlowGuard sensor readings from MQTT into a document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return start(cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	return cmd
}

func start(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Error("%v", err)
		return err
	}

	// Without an explicit --config a missing default file means env-only.
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("failed to load config: %v", err)
		return err
	}

	if err := logger.InitFromConfig(logger.Config(cfg.Logger)); err != nil {
		logger.Error("failed to initialize logger: %v", err)
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var watch func(config.ChangeCallback) error
	if path != "" {
		watch = loader.Watch
	}

	err = run(ctx, cfg, dependencies{
		openStore: openStorage,
		dialer:    mqtt.NewPahoDialer,
		watch:     watch,
	})
	if err != nil {
		logger.Error("bridge stopped: %v", err)
		_ = logger.Sync()
		return err
	}

	logger.Info("bridge stopped")
	return nil
}

// documentStore is the persistence side of the bridge.
type documentStore interface {
	pipeline.Persister
	Close()
}

type dependencies struct {
	openStore func(ctx context.Context, cfg config.StorageConfig) (documentStore, error)
	dialer    func(cfg config.MQTTConfig) mqtt.Dialer
	// watch is nil when there is no config file to follow.
	watch func(config.ChangeCallback) error
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (documentStore, error) {
	m, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("storage ready: %v", m.Backends())
	return m, nil
}

// run opens storage before touching the broker. A storage failure is
// returned as is (wrapping storage.ErrStartupUnavailable) and nothing is
// dialed. Otherwise run blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, deps dependencies) error {
	store, err := deps.openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var opts []pipeline.Option
	var tr *transformer.Transformer
	if cfg.Transform.Enabled() {
		tr, err = transformer.New(cfg.Transform)
		if err != nil {
			return fmt.Errorf("failed to load transform script: %w", err)
		}
		opts = append(opts, pipeline.WithTransformer(tr))
	}
	p := pipeline.New(store, opts...)

	if cfg.Metrics.Listen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, prometheus.DefaultGatherer); err != nil {
				logger.Error("metrics listener on %s failed: %v", cfg.Metrics.Listen, err)
			}
		}()
		logger.Info("serving metrics on %s/metrics", cfg.Metrics.Listen)
	}

	if deps.watch != nil {
		err := deps.watch(func(newCfg *config.Config) error {
			if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
				return err
			}
			if tr != nil && newCfg.Transform.Enabled() {
				if err := tr.Reload(newCfg.Transform); err != nil {
					return err
				}
			}
			logger.Info("MQTT and storage changes take effect after restart")
			return nil
		})
		if err != nil {
			logger.Warn("config watch disabled: %v", err)
		}
	}

	sup := mqtt.NewSupervisor(cfg.MQTT, deps.dialer(cfg.MQTT), func(ctx context.Context, msg mqtt.Message) {
		p.Process(ctx, pipeline.RawMessage{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			ReceivedAt: msg.ReceivedAt,
		})
	})

	logger.Info("bridge started, broker %s, topic %s", cfg.MQTT.BrokerURL(), cfg.MQTT.Topic)
	return sup.Run(ctx)
}
