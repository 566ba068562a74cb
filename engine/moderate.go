package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/haven-chat/warden/moderation"
)

func moderationAction(kind string) (Action, error) {
	switch kind {
	case moderation.KindWarn:
		return ActionWarn, nil
	case moderation.KindMute:
		return ActionMute, nil
	case moderation.KindKick:
		return ActionKick, nil
	case moderation.KindBlock:
		return ActionBlock, nil
	case moderation.KindBan:
		return ActionBan, nil
	default:
		return "", fmt.Errorf("unsupported moderation kind: %s", kind)
	}
}

// ApplyModeration applies a moderator-initiated action after evaluator
// gating: the moderator needs high trust and cannot target themselves. The
// duration only applies to mutes and bans; a nil duration bans permanently.
func (eng *Engine) ApplyModeration(ctx context.Context, kind, targetUserID, moderatorID string, duration *time.Duration, reason string) error {
	action, err := moderationAction(kind)
	if err != nil {
		return err
	}
	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID:      moderatorID,
		Action:       action,
		TargetUserID: targetUserID,
	})
	if err != nil {
		return err
	}
	if dec.Verdict != VerdictAllow {
		return fmt.Errorf("%w: %s", ErrInsufficientTrust, dec.Reason)
	}

	switch kind {
	case moderation.KindWarn:
		_, err = eng.Mods.Warn(ctx, targetUserID, moderatorID, reason)
		return err
	case moderation.KindMute:
		d := time.Hour
		if duration != nil {
			d = *duration
		}
		return eng.Mods.Mute(ctx, targetUserID, moderatorID, d, reason)
	case moderation.KindKick:
		return eng.Mods.Kick(ctx, targetUserID, moderatorID, reason)
	case moderation.KindBlock:
		return eng.Mods.Block(ctx, targetUserID, moderatorID, reason)
	case moderation.KindBan:
		return eng.Mods.Ban(ctx, targetUserID, moderatorID, duration, reason)
	}
	return nil
}

// RemoveModeration reverses an active action, with the same evaluator gate.
func (eng *Engine) RemoveModeration(ctx context.Context, kind, targetUserID, moderatorID, reason string) error {
	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID:      moderatorID,
		Action:       ActionRemoveAction,
		TargetUserID: targetUserID,
	})
	if err != nil {
		return err
	}
	if dec.Verdict != VerdictAllow {
		return fmt.Errorf("%w: %s", ErrInsufficientTrust, dec.Reason)
	}
	return eng.Mods.RemoveAction(ctx, targetUserID, kind, moderatorID, reason)
}
