package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/flagstore"
	"github.com/haven-chat/warden/models"
	"github.com/haven-chat/warden/moderation"
	"github.com/haven-chat/warden/rules"
	"github.com/haven-chat/warden/session"
	"github.com/haven-chat/warden/spam"
	"github.com/haven-chat/warden/trust"
)

type Server struct {
	logger        *slog.Logger
	engine        *engine.Engine
	echo          *echo.Echo
	httpd         *http.Server
	sweepInterval time.Duration
}

type Config struct {
	Logger            *slog.Logger
	Bind              string
	RedisURL          string
	TrustScoresJSON   string
	TrustProviderRPS  int
	SweepInterval     time.Duration
	ApprovalTTL       time.Duration
	ApprovalThreshold int
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if err := db.AutoMigrate(
		&models.UserSession{}, &models.NicknameChange{}, &models.ModerationAction{},
		&models.PendingOperation{}, &models.OperationReview{}, &models.AuditEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	var counters countstore.CountStore
	var flags flagstore.FlagStore
	if config.RedisURL != "" {
		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %w", err)
		}
		counters = cnt

		flg, err := flagstore.NewRedisFlagStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis flagstore: %w", err)
		}
		flags = flg
	} else {
		counters = countstore.NewMemCountStore()
		flags = flagstore.NewMemFlagStore()
	}

	upstream, err := loadTrustProvider(config.TrustScoresJSON, logger)
	if err != nil {
		return nil, err
	}
	var provider trust.Provider
	if config.RedisURL != "" {
		provider, err = trust.NewRedisCachedProvider(upstream, config.RedisURL, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("initializing redis trust cache: %w", err)
		}
	} else {
		provider = trust.NewCachedProvider(upstream, 5_000, 30*time.Second, config.TrustProviderRPS)
	}

	auditLog := audit.NewLog(db, logger)
	approvalCfg := approval.DefaultConfig()
	if config.ApprovalTTL > 0 {
		approvalCfg.TTL = config.ApprovalTTL
	}
	if config.ApprovalThreshold > 0 {
		approvalCfg.ApprovalThreshold = config.ApprovalThreshold
	}

	// content services watch the audit log / execution entries; the daemon
	// itself only records that the operation may now be applied
	executor := approval.ExecutorFunc(func(ctx context.Context, op *models.PendingOperation) error {
		logger.Info("operation cleared for execution", "opID", op.ID, "type", op.Type, "targetObjectID", op.TargetObjectID)
		return nil
	})

	eng := engine.Engine{
		Logger:    logger,
		Sessions:  session.NewRegistry(db, flags, counters, logger, session.DefaultConfig()),
		Spam:      spam.NewDetector(spam.DefaultConfig()),
		Mods:      moderation.NewStore(db, auditLog, logger, moderation.DefaultConfig()),
		Approvals: approval.NewQueue(db, auditLog, executor, logger, approvalCfg),
		Audit:     auditLog,
		Trust:     provider,
		Counters:  counters,
		Flags:     flags,
		Rules:     rules.DefaultRules(),
		Config:    engine.DefaultEngineConfig(),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	srv := &Server{
		logger:        logger,
		engine:        &eng,
		echo:          e,
		sweepInterval: config.SweepInterval,
	}
	if srv.sweepInterval <= 0 {
		srv.sweepInterval = 30 * time.Second
	}
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	srv.registerRoutes()

	return srv, nil
}

func loadTrustProvider(path string, logger *slog.Logger) (trust.Provider, error) {
	if path == "" {
		logger.Warn("no trust score source configured, all users resolve to unknown trust")
		return trust.NewStaticProvider(map[string]int{}), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust scores: %w", err)
	}
	scores := map[string]int{}
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, fmt.Errorf("parsing trust scores: %w", err)
	}
	logger.Info("loaded trust scores", "path", path, "count", len(scores))
	return trust.NewStaticProvider(scores), nil
}

// Run serves the HTTP API and the expiry sweepers until the context is
// cancelled or a shutdown signal arrives.
func (srv *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.logger.Info("starting API server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return srv.runSweepers(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		srv.logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.httpd.Shutdown(shutCtx)
	})

	return g.Wait()
}

// runSweepers expires overdue moderation actions and pending operations on a
// fixed interval. Both sweeps take the same per-entity locks as the live
// request paths, so they never race a concurrent decision.
func (srv *Server) runSweepers(ctx context.Context) error {
	ticker := time.NewTicker(srv.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := srv.engine.Mods.SweepExpired(ctx); err != nil {
				srv.logger.Error("moderation sweep failed", "err", err)
			}
			if err := srv.engine.Approvals.SweepExpired(ctx); err != nil {
				srv.logger.Error("approval sweep failed", "err", err)
			}
		}
	}
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
