package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/models"
	"github.com/haven-chat/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "trust-gated moderation and approval daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/warden/warden.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		auditVerifyCmd,
	}

	return app.Run(args)
}

func setupLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":2510",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":2511",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection for counters, flags, and the trust cache; mem stores when empty",
			EnvVars: []string{"WARDEN_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "trust-scores-json",
			Usage:   "path to a JSON file of userID to score, served as the trust provider",
			EnvVars: []string{"WARDEN_TRUST_SCORES_JSON"},
		},
		&cli.IntFlag{
			Name:    "trust-provider-rate-limit",
			Usage:   "max upstream trust lookups per second",
			Value:   100,
			EnvVars: []string{"WARDEN_TRUST_PROVIDER_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "how often the expiry sweepers run",
			Value:   30 * time.Second,
			EnvVars: []string{"WARDEN_SWEEP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "approval-ttl",
			Usage:   "how long a pending operation waits for review before expiring",
			Value:   4 * time.Hour,
			EnvVars: []string{"WARDEN_APPROVAL_TTL"},
		},
		&cli.IntFlag{
			Name:    "approval-threshold",
			Usage:   "approvals required to execute a pending operation",
			Value:   1,
			EnvVars: []string{"WARDEN_APPROVAL_THRESHOLD"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := setupLogger()

		// Enable OTLP HTTP exporter. At a minimum, set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			logger.Info("setting up trace exporter", "endpoint", ep)
			expCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(expCtx)
			if err != nil {
				return fmt.Errorf("creating trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Error("failed to shutdown trace exporter", "err", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("warden"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),
					attribute.String("environment", os.Getenv("ENVIRONMENT")),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		srv, err := NewServer(db, Config{
			Logger:            logger,
			Bind:              cctx.String("bind"),
			RedisURL:          cctx.String("redis-url"),
			TrustScoresJSON:   cctx.String("trust-scores-json"),
			TrustProviderRPS:  cctx.Int("trust-provider-rate-limit"),
			SweepInterval:     cctx.Duration("sweep-interval"),
			ApprovalTTL:       cctx.Duration("approval-ttl"),
			ApprovalThreshold: cctx.Int("approval-threshold"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("failed to start metrics endpoint", "err", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running moderation service: %w", err)
		}
		return nil
	},
}

var auditVerifyCmd = &cli.Command{
	Name:  "audit-verify",
	Usage: "re-walk the audit hash chain and report tampering",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := setupLogger()

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if err := db.AutoMigrate(&models.AuditEntry{}); err != nil {
			return err
		}
		log := audit.NewLog(db, logger)
		if err := log.Verify(ctx); err != nil {
			return err
		}
		var count int64
		if err := db.Model(&models.AuditEntry{}).Count(&count).Error; err != nil {
			return err
		}
		fmt.Printf("audit chain intact: %d entries\n", count)
		return nil
	},
}
