package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/ericvolp12/atproto-push/pkg/api"
	"github.com/ericvolp12/atproto-push/pkg/archive"
	"github.com/ericvolp12/atproto-push/pkg/dispatch"
	"github.com/ericvolp12/atproto-push/pkg/filter"
	"github.com/ericvolp12/atproto-push/pkg/firehose"
	"github.com/ericvolp12/atproto-push/pkg/graph"
	"github.com/ericvolp12/atproto-push/pkg/resolve"
	"github.com/ericvolp12/atproto-push/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "push",
		Usage:   "atproto firehose push notification service",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the ATProto SubscribeRepos XRPC endpoint",
			Value:   "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			EnvVars: []string{"PUSH_WS_URL"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"PUSH_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"PUSH_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/atproto-push.db",
			EnvVars: []string{"PUSH_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"PUSH_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:     "server-secret",
			Usage:    "secret mixed into relationship hash salts",
			Required: true,
			EnvVars:  []string{"PUSH_SERVER_SECRET"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "PLC directory host for DID resolution",
			Value:   "https://plc.directory",
			EnvVars: []string{"PUSH_PLC_HOST"},
		},
		&cli.StringFlag{
			Name:    "appview-host",
			Usage:   "AppView host for post content lookups",
			Value:   "https://public.api.bsky.app",
			EnvVars: []string{"PUSH_APPVIEW_HOST"},
		},
		&cli.DurationFlag{
			Name:    "identity-ttl",
			Usage:   "time to live for cached identities",
			Value:   24 * time.Hour,
			EnvVars: []string{"PUSH_IDENTITY_TTL"},
		},
		&cli.DurationFlag{
			Name:    "post-ttl",
			Usage:   "time to live for cached post text",
			Value:   time.Hour,
			EnvVars: []string{"PUSH_POST_TTL"},
		},
		&cli.Int64Flag{
			Name:    "resolver-rate-limit",
			Usage:   "rate limit for identity and post lookups in requests per second",
			Value:   100,
			EnvVars: []string{"PUSH_RESOLVER_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "firehose-parallelism",
			Usage:   "number of concurrent firehose event workers",
			Value:   100,
			EnvVars: []string{"PUSH_FIREHOSE_PARALLELISM"},
		},
		&cli.IntFlag{
			Name:    "dispatch-workers",
			Usage:   "number of concurrent notification senders",
			Value:   4,
			EnvVars: []string{"PUSH_DISPATCH_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "dispatch-queue-size",
			Usage:   "bounded dispatch queue size, intents are shed beyond this",
			Value:   1024,
			EnvVars: []string{"PUSH_DISPATCH_QUEUE_SIZE"},
		},
		&cli.Float64Flag{
			Name:    "dispatch-rate-limit",
			Usage:   "notification sends per second",
			Value:   50,
			EnvVars: []string{"PUSH_DISPATCH_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "apns-key-path",
			Usage:   "path to the APNs .p8 signing key, logs instead of sending when unset",
			EnvVars: []string{"PUSH_APNS_KEY_PATH"},
		},
		&cli.StringFlag{
			Name:    "apns-key-id",
			Usage:   "APNs signing key ID",
			EnvVars: []string{"PUSH_APNS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "apns-team-id",
			Usage:   "Apple developer team ID",
			EnvVars: []string{"PUSH_APNS_TEAM_ID"},
		},
		&cli.StringFlag{
			Name:    "apns-topic",
			Usage:   "APNs topic, the app bundle identifier",
			EnvVars: []string{"PUSH_APNS_TOPIC"},
		},
		&cli.BoolFlag{
			Name:    "apns-development",
			Usage:   "use the APNs sandbox environment",
			Value:   false,
			EnvVars: []string{"PUSH_APNS_DEVELOPMENT"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for the delivery outcome archive",
			EnvVars: []string{"PUSH_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"PUSH_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			Value:   "outcomes",
			EnvVars: []string{"PUSH_BIGQUERY_TABLE_PREFIX"},
		},
	}

	app.Action = Push

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Push is the main function for the push notification service
func Push(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Create a channel that will be closed when we want to stop the application
	// Usually when a critical routine returns an error
	kill := make(chan struct{})

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "atproto-push", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	st, err := store.Open(cctx.String("sqlite-path"), cctx.Bool("migrate-db"), logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}

	var archiveInstance *archive.Archive
	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting outcome archive")
		archiveInstance, err = archive.NewArchive(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create outcome archive", "error", err)
			return err
		}
		defer func() {
			if err := archiveInstance.Close(); err != nil {
				logger.Error("failed to close outcome archive", "error", err)
			}
		}()
	}

	var gateway dispatch.Gateway
	if cctx.String("apns-key-path") != "" {
		gateway, err = dispatch.NewAPNSGateway(dispatch.APNSConfig{
			KeyPath:     cctx.String("apns-key-path"),
			KeyID:       cctx.String("apns-key-id"),
			TeamID:      cctx.String("apns-team-id"),
			Topic:       cctx.String("apns-topic"),
			Development: cctx.Bool("apns-development"),
		})
		if err != nil {
			logger.Error("failed to create APNs gateway", "error", err)
			return err
		}
	} else {
		logger.Warn("no APNs key configured, notifications will be logged instead of sent")
		gateway = dispatch.NewLogGateway(logger)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workers:   cctx.Int("dispatch-workers"),
		QueueSize: cctx.Int("dispatch-queue-size"),
		RateLimit: rate.Limit(cctx.Float64("dispatch-rate-limit")),
	}, gateway, st, logger)

	if archiveInstance != nil {
		dispatcher.SetOutcomeHook(func(intent *dispatch.Intent, result string, err error) {
			outcome := &archive.Outcome{
				CreatedAt:   time.Now(),
				FirehoseSeq: intent.Seq,
				UserDID:     intent.UserDID,
				DeviceID:    intent.DeviceID,
				Kind:        intent.Kind,
				Result:      result,
			}
			if err != nil {
				outcome.Error = err.Error()
			}
			archiveInstance.RecordOutcome(ctx, outcome)
		})
	}

	suppressor := graph.NewSuppressor(st, cctx.String("server-secret"), logger)

	identities := resolve.NewIdentityResolver(
		st,
		cctx.String("plc-host"),
		cctx.Duration("identity-ttl"),
		cctx.Int64("resolver-rate-limit"),
		logger,
	)
	posts := resolve.NewPostResolver(
		st,
		cctx.String("appview-host"),
		cctx.Duration("post-ttl"),
		cctx.Int64("resolver-rate-limit"),
		logger,
	)

	f := filter.NewFilter(st, identities, posts, suppressor, dispatcher, logger)

	consumer, err := firehose.NewConsumer(firehose.Config{
		SocketURL:   cctx.String("ws-url"),
		Parallelism: cctx.Int("firehose-parallelism"),
	}, st, f, logger)
	if err != nil {
		logger.Error("failed to create firehose consumer", "error", err)
		return err
	}

	go dispatcher.Run(ctx)
	go f.Run(ctx)

	// Expire cached identities and posts periodically
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.ExpireCaches(ctx); err != nil {
					logger.Error("failed to expire caches", "error", err)
				}
			}
		}
	}()

	// Start a goroutine to manage the liveness checker, shutting down if no events are received for 15 seconds
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		lastSeq := int64(0)

		logger := slog.With("source", "liveness_checker")

		for {
			select {
			case <-shutdownLivenessChecker:
				logger.Info("shutting down liveness checker")
				close(livenessCheckerShutdown)
				return
			case <-ticker.C:
				seq := consumer.GetSeq()
				if seq == lastSeq {
					logger.Error("no new events in last 15 seconds, shutting down for docker to restart me", "last_seq", lastSeq)
					close(kill)
				} else {
					logger.Debug("received new event, resetting liveness timer", "last_seq", seq)
					lastSeq = seq
				}
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddleware("push"))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "atproto-push")
	})

	apiHandlers := api.NewAPI(st, suppressor, logger)
	apiHandlers.AttachRoutes(e.Group(""))

	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the firehose consumer in a goroutine
	consumerKill := make(chan struct{})
	consumerShutdownFinished := make(chan struct{})
	go func() {
		logger := logger.With("source", "firehose")

		logger.Info("starting firehose consumer")
		err := consumer.Run(ctx)
		if err != nil {
			logger.Error("firehose consumer returned an error", "error", err)
			close(consumerKill)
		}
		logger.Info("firehose consumer shut down")
		close(consumerShutdownFinished)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-kill:
		logger.Info("shutting down due to liveness checker")
	case <-consumerKill:
		logger.Info("shutting down due to firehose error")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownLivenessChecker)
	close(shutdownHTTPServer)

	<-livenessCheckerShutdown
	<-httpServerShutdown
	<-consumerShutdownFinished
	logger.Info("shutdown complete")

	return nil
}
