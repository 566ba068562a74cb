package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/flagstore"
	"github.com/haven-chat/warden/moderation"
	"github.com/haven-chat/warden/session"
	"github.com/haven-chat/warden/spam"
	"github.com/haven-chat/warden/trust"
)

// runtime gluing the subsystems together: resolves identity, runs detection
// rules, evaluates permissions, and records every decision.
//
// Several fields are pointer type but expected never to be nil once the
// engine is serving traffic.
type Engine struct {
	Logger    *slog.Logger
	Sessions  *session.Registry
	Spam      *spam.Detector
	Mods      *moderation.Store
	Approvals *approval.Queue
	Audit     *audit.Log
	Trust     trust.Provider
	Counters  countstore.CountStore
	Flags     flagstore.FlagStore
	Rules     RuleSet
	Config    EngineConfig
}

type EngineConfig struct {
	Thresholds trust.Thresholds
	// immediate windows: how long after creation an owner may modify the
	// object without approval
	DeleteWindow time.Duration
	EditWindow   time.Duration
	// transfer gating: amounts at or below SmallTransferMax pass with any
	// known score, above LargeTransferMax require high trust
	SmallTransferMax int64
	LargeTransferMax int64
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Thresholds:       trust.DefaultThresholds(),
		DeleteWindow:     5 * time.Minute,
		EditWindow:       15 * time.Minute,
		SmallTransferMax: 100,
		LargeTransferMax: 1000,
	}
}

// CheckMessage result for the message pipeline.
type CheckResult struct {
	UserID        string `json:"userID"`
	IsAbusive     bool   `json:"isAbusive"`
	Recommended   string `json:"recommendedAction"`
	AppliedAction string `json:"appliedAction,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ProcessMessage runs spam detection and message rules for one inbound
// message, applying any recommended moderation action under the user's
// serialization boundary. Detection failures degrade open: the message is
// reported as clean and the error only logged, so moderation never deadlocks
// normal traffic.
func (eng *Engine) ProcessMessage(ctx context.Context, sessionID, text string) (res *CheckResult, outErr error) {
	// similar to an HTTP server, recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("rule execution exception", "err", r, "sessionID", sessionID)
			outErr = fmt.Errorf("rule execution panic: %v", r)
		}
	}()
	start := time.Now()
	defer func() {
		messageProcessDuration.Observe(time.Since(start).Seconds())
	}()

	sess, err := eng.Sessions.Resolve(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	// trust and flag lookups happen before any per-user lock
	am, err := eng.GetAccountMeta(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	obs, err := eng.Spam.Check(ctx, sess.UserID, text)
	if err != nil {
		// degrade open: detection is a safety net, not a gate
		eng.Logger.Error("spam detection failed, allowing message", "err", err, "userID", sess.UserID)
		messageDetectionErrors.Inc()
		obs = spam.Result{}
	}

	c := NewMessageContext(ctx, eng, *am, MessageMeta{
		Text:           text,
		Fingerprint:    obs.Fingerprint,
		DuplicateCount: obs.DuplicateCount,
		RateExceeded:   obs.RateExceeded,
		Abusive:        obs.Abusive,
		Recommendation: obs.Recommendation,
		AbuseReason:    obs.Reason,
	})
	if err := eng.Rules.CallMessageRules(&c); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	eng.CanonicalLogLineMessage(&c)

	applied, err := eng.persistMessageEffects(&c)
	if err != nil {
		return nil, err
	}

	messagesProcessed.Inc()
	if obs.Abusive {
		messagesAbusive.Inc()
	}
	return &CheckResult{
		UserID:        sess.UserID,
		IsAbusive:     obs.Abusive,
		Recommended:   c.effects.Recommendation.String(),
		AppliedAction: applied,
		Reason:        c.effects.RecommendReason,
	}, nil
}

// ProcessNickChange records a display name change and runs identity rules
// (churn detection) against the account.
func (eng *Engine) ProcessNickChange(ctx context.Context, sessionID, newName string) (outErr error) {
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("rule execution exception", "err", r, "sessionID", sessionID)
			outErr = fmt.Errorf("rule execution panic: %v", r)
		}
	}()

	if err := eng.Sessions.TrackNickChange(ctx, sessionID, newName); err != nil {
		return err
	}
	sess, err := eng.Sessions.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	am, err := eng.GetAccountMeta(ctx, sess.UserID)
	if err != nil {
		return err
	}
	c := NewAccountContext(ctx, eng, *am)
	if err := eng.Rules.CallIdentityRules(&c); err != nil {
		return err
	}
	if c.Err != nil {
		return c.Err
	}
	eng.CanonicalLogLineAccount(&c)
	return eng.persistAccountEffects(&c)
}

// GetAccountMeta assembles the pre-populated view rules and the evaluator
// work from: session, risk flags, trust profile.
func (eng *Engine) GetAccountMeta(ctx context.Context, userID string) (*AccountMeta, error) {
	sess, err := eng.Sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving account: %w", err)
	}
	flags, err := eng.Flags.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching account flags: %w", err)
	}
	profile, err := eng.Trust.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching trust profile: %w", err)
	}
	return &AccountMeta{
		UserID:  userID,
		Session: *sess,
		Flags:   flags,
		Trust:   *profile,
	}, nil
}

// GetModerationStatus reports the user's current restriction set.
func (eng *Engine) GetModerationStatus(ctx context.Context, userID string) (*moderation.Status, error) {
	return eng.Mods.Status(ctx, userID)
}

func (eng *Engine) GetCount(ctx context.Context, name, val, period string) (int, error) {
	return eng.Counters.GetCount(ctx, name, val, period)
}

func (eng *Engine) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	return eng.Counters.GetCountDistinct(ctx, name, bucket, period)
}
