package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/forgeline/jobsync/internal/api"
	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/internal/config"
	"github.com/forgeline/jobsync/internal/consumer"
	"github.com/forgeline/jobsync/internal/hub"
	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/mcp"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/internal/queue"
)

var version = "dev"

func main() {
	if err := config.LoadDotEnv(os.Getenv("JOBSYNC_ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting jobsync gateway", "port", cfg.Port, "version", version, "logLevel", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(cfg.MetricsNamespace)

	// Job store (PostgreSQL or in-memory)
	var jobStore jobs.JobStore
	if cfg.DatabaseURL != "" {
		slog.Info("Using PostgreSQL job store", "retention", cfg.JobRetention)
		pgStore, err := jobs.NewPgStore(ctx, cfg.DatabaseURL, cfg.JobRetention)
		if err != nil {
			slog.Error("Failed to create PostgreSQL store", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		jobStore = pgStore
	} else {
		slog.Info("Using in-memory job store (not recommended for production)")
		jobStore = jobs.NewStore()
	}

	queueClient, err := newQueueClient(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create queue client", "transport", cfg.QueueTransport, "error", err)
		os.Exit(1)
	}
	if queueClient != nil {
		defer queueClient.Close()
	}

	var dispatcher jobs.Dispatcher
	if queueClient != nil {
		dispatcher = queue.NewDispatcher(queueClient, cfg.QueueTransport, cfg.File.Routes, m)
		slog.Info("Producer routes loaded", "count", len(cfg.File.Routes))
	} else {
		slog.Info("No queue transport, jobs stay pending until a producer reports on them")
	}
	submitter := jobs.NewSubmitter(jobStore, dispatcher, m)

	if queueClient != nil && len(cfg.ResultQueues) > 0 {
		if err := consumer.NewResultConsumer(queueClient, jobStore, cfg.ResultQueues...).Start(ctx); err != nil {
			slog.Error("Failed to start result consumer", "error", err)
			os.Exit(1)
		}
	}

	// Push channel: websocket hub plus optional AMQP mirror
	pushHub := hub.New(m)
	sinks := []hub.Sink{pushHub}
	if cfg.PushExchange != "" {
		pushPool, err := queue.NewChannelPool(cfg.RabbitMQURL, cfg.PushExchange, 4)
		if err != nil {
			slog.Error("Failed to create push exchange pool", "exchange", cfg.PushExchange, "error", err)
			os.Exit(1)
		}
		defer pushPool.Close()
		sinks = append(sinks, hub.NewAMQPPublisher(pushPool))
		slog.Info("Mirroring push events to AMQP", "exchange", cfg.PushExchange)
	}
	bridge := hub.NewBridge(jobStore, m, sinks...)
	bridge.Start(ctx)

	var jwtSvc *auth.JWT
	if cfg.JWTSecret != "" {
		jwtSvc = auth.NewJWT(cfg.JWTSecret, 0)
	} else {
		slog.Warn("JOBSYNC_JWT_SECRET not set, authentication disabled")
	}

	mcpServer := mcp.NewServer(jobStore, submitter, version)

	router := api.NewRouter(api.NewHandler(jobStore, submitter), api.RouterConfig{
		JWT:                  jwtSvc,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		CORSAllowCredentials: cfg.CORSAllowCredentials,
		Push:                 pushHub,
		MCP:                  mcpserver.NewStreamableHTTPServer(mcpServer.GetMCPServer()),
		ToolCall:             mcpServer.HandleToolCall,
		Metrics:              m,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		slog.Info("Jobs: POST /jobs, GET /jobs/{id}, GET /jobs/{id}/stream (SSE)")
		slog.Info("Push channel: GET /ws")
		slog.Info("MCP endpoint: POST /mcp, REST tools: POST /tools/call")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	sig := <-sigChan
	slog.Info("Received signal, initiating shutdown", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	pushHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	cancel()
	<-bridge.Done()
	submitter.Wait()

	slog.Info("Gateway shutdown complete")
}

func newQueueClient(ctx context.Context, cfg *config.Gateway) (queue.Client, error) {
	switch cfg.QueueTransport {
	case config.TransportSQS:
		slog.Info("SQS configuration", "region", cfg.SQSRegion, "endpoint", cfg.SQSEndpoint)
		return queue.NewSQSClient(ctx, queue.SQSConfig{
			Region:      cfg.SQSRegion,
			Endpoint:    cfg.SQSEndpoint,
			WaitSeconds: cfg.SQSWaitSeconds,
		})
	case config.TransportRabbitMQ:
		slog.Info("RabbitMQ configuration", "url", cfg.RabbitMQURL, "exchange", cfg.RabbitMQExchange, "poolSize", cfg.RabbitMQPoolSize)
		if cfg.RabbitMQPoolSize == 1 {
			return queue.NewRabbitMQClient(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		}
		return queue.NewRabbitMQClientPooled(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQPoolSize)
	default:
		return nil, nil
	}
}
