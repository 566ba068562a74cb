package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/session"
	"github.com/haven-chat/warden/trust"
)

func fixtureWithScores(t *testing.T, scores map[string]int) *Engine {
	t.Helper()
	eng := EngineTestFixture()
	static := eng.Trust.(*trust.StaticProvider)
	for uid, score := range scores {
		static.Scores[uid] = score
	}
	return eng
}

func TestEvaluateOwnerHighTrustOldMessage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"alice": 85})

	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID: "alice",
		Action:  ActionDeleteMessage,
		Target: &ObjectRef{
			ID: "m1", OwnerID: "alice", Kind: "msg",
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		},
	})
	require.NoError(t, err)
	// high trust deletes immediately even past the window
	assert.Equal(VerdictAllow, dec.Verdict)
	assert.NotEmpty(dec.Reason)
}

func TestEvaluateOwnerWithinImmediateWindow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"bob": 10})

	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID: "bob",
		Action:  ActionDeleteMessage,
		Target: &ObjectRef{
			ID: "m2", OwnerID: "bob", Kind: "msg",
			CreatedAt: time.Now().UTC().Add(-time.Minute),
		},
	})
	require.NoError(t, err)
	assert.Equal(VerdictAllow, dec.Verdict)
}

func TestEvaluateNonOwnerMediumTrustDenied(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"bob": 45})

	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID: "bob",
		Action:  ActionDeleteMessage,
		Target: &ObjectRef{
			ID: "m1", OwnerID: "alice", Kind: "msg",
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		},
	})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)
	assert.NotEmpty(dec.Reason)
}

func TestEvaluatePendingThenApproved(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	exec := &CountingExecutor{}
	eng := EngineTestFixtureWithExecutor(exec)
	static := eng.Trust.(*trust.StaticProvider)
	static.Scores["carol"] = 45
	static.Scores["dave"] = 85

	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID: "carol",
		Action:  ActionDeleteMessage,
		Target: &ObjectRef{
			ID: "m3", OwnerID: "carol", Kind: "msg",
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		},
	})
	require.NoError(t, err)
	assert.Equal(VerdictAllowPending, dec.Verdict)

	op, err := eng.RequestOperation(ctx, approval.TypeDelete,
		approval.Target{ObjectID: "m3", OwnerID: "carol"}, "carol", dec.Reason)
	require.NoError(t, err)

	reviewed, err := eng.ReviewOperation(ctx, op.ID, "dave", approval.DecisionApprove, "fine")
	require.NoError(t, err)
	assert.Equal(approval.StatusApproved, reviewed.Status)
	assert.Equal(int64(1), exec.Calls.Load())

	// terminal state absorbs further reviews without re-executing
	_, err = eng.ReviewOperation(ctx, op.ID, "dave", approval.DecisionApprove, "again")
	assert.ErrorIs(err, approval.ErrAlreadyResolved)
	assert.Equal(int64(1), exec.Calls.Load())

	assert.NoError(eng.Audit.Verify(ctx))
}

func TestReviewerNeedsModeratorTrust(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	exec := &CountingExecutor{}
	eng := EngineTestFixtureWithExecutor(exec)
	static := eng.Trust.(*trust.StaticProvider)
	static.Scores["carol"] = 45
	static.Scores["eve"] = 30

	op, err := eng.RequestOperation(ctx, approval.TypeDelete,
		approval.Target{ObjectID: "m4", OwnerID: "carol"}, "carol", "old message")
	require.NoError(t, err)

	_, err = eng.ReviewOperation(ctx, op.ID, "eve", approval.DecisionApprove, "sure")
	assert.ErrorIs(err, ErrInsufficientTrust)
	assert.Equal(int64(0), exec.Calls.Load())

	got, err := eng.Approvals.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(approval.StatusPending, got.Status)
}

func TestEvaluateTransferTiers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"low": 30, "med": 45, "high": 85})

	transfer := func(actor string, amount int64) *Decision {
		dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: actor, Action: ActionTransfer, Amount: amount})
		require.NoError(t, err)
		return dec
	}

	// small amounts pass at any score
	assert.Equal(VerdictAllow, transfer("low", 100).Verdict)

	// 150 units at trust 30: denied, reason cites the threshold
	dec := transfer("low", 150)
	assert.Equal(VerdictDeny, dec.Verdict)
	assert.Contains(dec.Reason, "100-unit limit")

	assert.Equal(VerdictAllow, transfer("med", 150).Verdict)
	dec = transfer("med", 5000)
	assert.Equal(VerdictDeny, dec.Verdict)
	assert.Contains(dec.Reason, "1000-unit limit")

	assert.Equal(VerdictAllow, transfer("high", 5000).Verdict)
}

func TestEvaluateModerationActions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"dave": 85, "med": 45})

	dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: "dave", Action: ActionKick, TargetUserID: "spammer"})
	require.NoError(t, err)
	assert.Equal(VerdictAllow, dec.Verdict)

	dec, err = eng.Evaluate(ctx, EvalRequest{ActorID: "dave", Action: ActionKick, TargetUserID: "dave"})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)

	dec, err = eng.Evaluate(ctx, EvalRequest{ActorID: "med", Action: ActionBan, TargetUserID: "spammer"})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)
}

func TestEvaluateBannedActor(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"mallory": 85})

	_, err := eng.Sessions.RegisterSession(ctx, "mallory", "Mallory", session.Metadata{})
	require.NoError(t, err)
	require.NoError(t, eng.Mods.Ban(ctx, "mallory", "admin", nil, "spam ring"))

	// trust is irrelevant once banned
	dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: "mallory", Action: ActionSendMessage})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)
	assert.Contains(dec.Reason, "banned")
}

func TestEvaluateMutedActorRestricted(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"quiet": 85})

	_, err := eng.Sessions.RegisterSession(ctx, "quiet", "Quiet", session.Metadata{})
	require.NoError(t, err)
	require.NoError(t, eng.Mods.Mute(ctx, "quiet", "admin", time.Hour, "cool off"))

	dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: "quiet", Action: ActionSendMessage})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)

	// moderation gating is unaffected by a mute
	dec, err = eng.Evaluate(ctx, EvalRequest{ActorID: "quiet", Action: ActionTransfer, Amount: 50})
	require.NoError(t, err)
	assert.Equal(VerdictAllow, dec.Verdict)
}

func TestChurnFlagDemotesTrust(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"gina": 45})

	dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: "gina", Action: ActionTransfer, Amount: 150})
	require.NoError(t, err)
	assert.Equal(VerdictAllow, dec.Verdict)

	require.NoError(t, eng.Flags.Add(ctx, "gina", []string{session.FlagIdentityChurn}))

	// one tier down: medium no longer covers the mid-size transfer
	dec, err = eng.Evaluate(ctx, EvalRequest{ActorID: "gina", Action: ActionTransfer, Amount: 150})
	require.NoError(t, err)
	assert.Equal(VerdictDeny, dec.Verdict)
}

func TestAuditAccessGating(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := fixtureWithScores(t, map[string]int{"dave": 85, "frank": 30})

	// seed the log with verdicts from two actors
	_, err := eng.Evaluate(ctx, EvalRequest{ActorID: "frank", Action: ActionTransfer, Amount: 50})
	require.NoError(t, err)
	_, err = eng.Evaluate(ctx, EvalRequest{ActorID: "dave", Action: ActionTransfer, Amount: 50})
	require.NoError(t, err)

	_, err = eng.GetAuditLog(ctx, "frank", audit.Filter{}, false)
	assert.ErrorIs(err, ErrInsufficientTrust)

	// own-only access is carried as a structured scope, not a reason string
	dec, err := eng.Evaluate(ctx, EvalRequest{ActorID: "frank", Action: ActionAuditRead, OwnDataOnly: true})
	require.NoError(t, err)
	assert.Equal(VerdictAllow, dec.Verdict)
	assert.Equal(ScopeOwnRecords, dec.Scope)

	full, err := eng.Evaluate(ctx, EvalRequest{ActorID: "dave", Action: ActionAuditRead})
	require.NoError(t, err)
	assert.Equal(ScopeFull, full.Scope)

	own, err := eng.GetAuditLog(ctx, "frank", audit.Filter{}, true)
	require.NoError(t, err)
	for _, e := range own {
		assert.Equal("frank", e.ActorID)
	}
	assert.NotEmpty(own)

	all, err := eng.GetAuditLog(ctx, "dave", audit.Filter{}, false)
	require.NoError(t, err)
	assert.Greater(len(all), len(own))
}
