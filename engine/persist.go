package engine

import (
	"context"

	"github.com/haven-chat/warden/spam"
)

// SystemActorID is recorded as the moderator on actions the pipeline applies
// automatically, as opposed to actions taken by a human moderator.
const SystemActorID = "system:warden"

func (eng *Engine) persistCounters(ctx context.Context, eff *Effects) error {
	for _, ref := range eff.CounterIncrements {
		if ref.Period != nil {
			err := eng.Counters.IncrementPeriod(ctx, ref.Name, ref.Val, *ref.Period)
			if err != nil {
				return err
			}
		} else {
			err := eng.Counters.Increment(ctx, ref.Name, ref.Val)
			if err != nil {
				return err
			}
		}
	}
	for _, ref := range eff.CounterDistinctIncrements {
		err := eng.Counters.IncrementDistinct(ctx, ref.Name, ref.Bucket, ref.Val)
		if err != nil {
			return err
		}
	}
	return nil
}

func dedupeFlagActions(flags, existing []string) []string {
	newFlags := []string{}
	for _, val := range flags {
		exists := false
		for _, e := range existing {
			if val == e {
				exists = true
				break
			}
		}
		for _, e := range newFlags {
			if val == e {
				exists = true
				break
			}
		}
		if !exists {
			newFlags = append(newFlags, val)
		}
	}
	return newFlags
}

// Persists account-level side-effects: new risk flags and counters. Flags are
// de-duped against the account's existing set so re-running a rule is cheap.
func (eng *Engine) persistAccountEffects(c *AccountContext) error {
	ctx := c.Ctx

	newFlags := dedupeFlagActions(c.effects.AccountFlags, c.Account.Flags)
	if len(newFlags) > 0 {
		if err := eng.Flags.Add(ctx, c.Account.UserID, newFlags); err != nil {
			return err
		}
		for _, val := range newFlags {
			newAccountFlagCount.WithLabelValues(val).Inc()
		}
	}
	return eng.persistCounters(ctx, c.effects)
}

// Persists message-level side-effects, applying the strongest recommended
// moderation action under the account's lock. Returns the kind of action
// actually applied ("warn", "kick", or empty).
//
// A warn can escalate: if it lands as the account's third cumulative warning
// the moderation store kicks in the same transaction, and the escalated kind
// is reported here.
func (eng *Engine) persistMessageEffects(c *MessageContext) (string, error) {
	ctx := c.Ctx
	if err := eng.persistAccountEffects(&c.AccountContext); err != nil {
		return "", err
	}

	applied := ""
	switch c.effects.Recommendation {
	case spam.RecommendWarn:
		unlock := eng.Mods.Lock(c.Account.UserID)
		kicked, err := eng.Mods.WarnLocked(ctx, c.Account.UserID, SystemActorID, c.effects.RecommendReason)
		unlock()
		if err != nil {
			return "", err
		}
		applied = "warn"
		if kicked {
			applied = "kick"
		}
	case spam.RecommendKick:
		unlock := eng.Mods.Lock(c.Account.UserID)
		err := eng.Mods.KickLocked(ctx, c.Account.UserID, SystemActorID, c.effects.RecommendReason)
		unlock()
		if err != nil {
			return "", err
		}
		applied = "kick"
	}
	if applied != "" {
		actionsApplied.WithLabelValues(applied).Inc()
	}
	return applied, nil
}

// Emits a single log line summarizing message processing; intended to be
// machine-parsed for audits and spot checks.
func (eng *Engine) CanonicalLogLineMessage(c *MessageContext) {
	c.Logger.Info("message-event",
		"abusive", c.Message.Abusive,
		"duplicateCount", c.Message.DuplicateCount,
		"rateExceeded", c.Message.RateExceeded,
		"recommendation", c.effects.Recommendation.String(),
		"accountFlags", c.effects.AccountFlags,
	)
}

func (eng *Engine) CanonicalLogLineAccount(c *AccountContext) {
	c.Logger.Info("account-event",
		"trustCategory", c.Account.Trust.Category.String(),
		"accountFlags", c.effects.AccountFlags,
	)
}
