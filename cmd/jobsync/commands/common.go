package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/config"
	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/internal/syncer"
)

// AppContext holds what every command needs: configuration, the gateway
// client and a lazily connected push channel
type AppContext struct {
	Config  *config.Client
	Store   *jobstore.HTTPStore
	Metrics *metrics.Metrics

	logger  *slog.Logger
	channel *pushchan.Channel
	cancel  context.CancelFunc
}

// NewAppContext loads the .env file named by --env, reads the client
// configuration and applies the global flag overrides
func NewAppContext(ctx context.Context, cmd *cli.Command) (*AppContext, error) {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return nil, err
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.IsSet("gateway") {
		cfg.GatewayURL = cmd.String("gateway")
		if os.Getenv("JOBSYNC_PUSH_URL") == "" {
			cfg.PushURL = config.DerivePushURL(cfg.GatewayURL)
		}
	}
	if cmd.IsSet("token") {
		cfg.Token = cmd.String("token")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ac := &AppContext{
		Config: cfg,
		Store:  jobstore.NewHTTPStore(cfg.GatewayURL, cfg.Token),
		logger: logger,
	}

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		ac.cancel = cancel
		ac.Metrics = metrics.NewMetrics("jobsync_cli")
		go func() {
			if err := ac.Metrics.StartMetricsServer(metricsCtx, cfg.MetricsAddr); err != nil {
				logger.Warn("Metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	return ac, nil
}

// Close releases the push channel and the metrics server
func (ac *AppContext) Close() {
	if ac.channel != nil {
		ac.channel.Close()
	}
	if ac.cancel != nil {
		ac.cancel()
	}
}

// Logger returns the command logger
func (ac *AppContext) Logger() *slog.Logger {
	if ac.logger != nil {
		return ac.logger
	}
	return slog.Default()
}

// Channel returns the process-wide push channel, creating it on first use.
// Connecting is left to the controllers and synchronizers that join rooms.
func (ac *AppContext) Channel() *pushchan.Channel {
	if ac.channel != nil {
		return ac.channel
	}

	var transport pushchan.Transport
	switch ac.Config.PushTransport {
	case config.PushAMQP:
		transport = pushchan.NewAMQPTransport(ac.Config.AMQPURL, ac.Config.PushExchange)
	default:
		transport = pushchan.NewWSTransport(ac.Config.PushURL, ac.Config.Token)
	}

	cfg := pushchan.DefaultConfig()
	cfg.MaxReconnects = ac.Config.MaxReconnects
	cfg.Logger = ac.Logger()
	ac.channel = pushchan.New(transport, cfg)
	return ac.channel
}

// SyncConfig builds the controller configuration for the named poll profile.
// An empty profile uses the configured default.
func (ac *AppContext) SyncConfig(profile string) (syncer.Config, error) {
	if profile == "" {
		profile = ac.Config.PollProfile
	}
	poll, err := ac.Config.File.PollProfile(profile)
	if err != nil {
		return syncer.Config{}, err
	}

	cfg := syncer.DefaultConfig()
	cfg.ConnectBudget = ac.Config.ConnectBudget
	cfg.Poll = poll
	cfg.Logger = ac.Logger()
	cfg.Metrics = ac.Metrics
	return cfg, nil
}

// ownerFrom resolves --owner, falling back to JOBSYNC_OWNER
func (ac *AppContext) ownerFrom(cmd *cli.Command) (string, error) {
	if owner := cmd.String("owner"); owner != "" {
		return owner, nil
	}
	if ac.Config.Owner != "" {
		return ac.Config.Owner, nil
	}
	return "", cli.Exit("--owner or JOBSYNC_OWNER is required", exitUsage)
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	if cmd.Args().Len() < 1 || cmd.Args().First() == "" {
		return "", cli.Exit(fmt.Sprintf("missing argument: %s", name), exitUsage)
	}
	return cmd.Args().First(), nil
}
