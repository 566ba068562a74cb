package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/flagstore"
	"github.com/haven-chat/warden/models"
	"github.com/haven-chat/warden/moderation"
	"github.com/haven-chat/warden/session"
	"github.com/haven-chat/warden/spam"
	"github.com/haven-chat/warden/trust"
)

var _ MessageRuleFunc = propagateDetectorRule

// minimal rule for fixtures: forward whatever the detector observed
func propagateDetectorRule(c *MessageContext) error {
	switch c.Message.Recommendation {
	case spam.RecommendKick:
		c.RecommendKick(c.Message.AbuseReason)
	case spam.RecommendWarn:
		c.RecommendWarn(c.Message.AbuseReason)
	}
	return nil
}

// CountingExecutor counts executions; test-only.
type CountingExecutor struct {
	Calls atomic.Int64
}

func (e *CountingExecutor) Execute(ctx context.Context, op *models.PendingOperation) error {
	e.Calls.Add(1)
	return nil
}

// EngineTestFixture builds a fully wired engine on an in-memory database and
// mem-backed stores, with a StaticProvider for trust scores and a no-op
// operation executor. Panics on setup failure; test-only.
func EngineTestFixture() *Engine {
	return EngineTestFixtureWithExecutor(approval.ExecutorFunc(
		func(ctx context.Context, op *models.PendingOperation) error { return nil },
	))
}

func EngineTestFixtureWithExecutor(exec approval.Executor) *Engine {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	sqldb, err := db.DB()
	if err != nil {
		panic(err)
	}
	// every sqlite :memory: connection is a distinct database
	sqldb.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.UserSession{}, &models.NicknameChange{}, &models.ModerationAction{},
		&models.PendingOperation{}, &models.OperationReview{}, &models.AuditEntry{},
	); err != nil {
		panic(err)
	}

	logger := slog.Default()
	auditLog := audit.NewLog(db, logger)
	counters := countstore.NewMemCountStore()
	flags := flagstore.NewMemFlagStore()

	eng := Engine{
		Logger:   logger,
		Sessions: session.NewRegistry(db, flags, counters, logger, session.DefaultConfig()),
		Spam:     spam.NewDetector(spam.DefaultConfig()),
		Mods:     moderation.NewStore(db, auditLog, logger, moderation.DefaultConfig()),
		Audit:    auditLog,
		Trust:    trust.NewStaticProvider(map[string]int{}),
		Counters: counters,
		Flags:    flags,
		Rules: RuleSet{
			MessageRules: []MessageRuleFunc{propagateDetectorRule},
		},
		Config: DefaultEngineConfig(),
	}
	eng.Approvals = approval.NewQueue(db, auditLog, exec, logger, approval.DefaultConfig())
	return &eng
}

// Helper to access the private effects field from a context. Intended for use
// in test code, *not* from rules.
func ExtractEffects(c *BaseContext) Effects {
	return *c.effects
}
