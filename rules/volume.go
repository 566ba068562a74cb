package rules

import (
	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/engine"
)

var _ engine.MessageRuleFunc = MessageVolumeMessageRule

var volumeDailyThreshold = 2000

// MessageVolumeMessageRule tracks gross per-user message volume. Purely a
// signal: a flag for the evaluator and moderators, never a direct action.
func MessageVolumeMessageRule(c *engine.MessageContext) error {
	uid := c.Account.UserID
	c.Increment("message", uid)
	c.IncrementDistinct("message-fp", uid, fingerprintVal(c.Message.Fingerprint))
	if c.GetCount("message", uid, countstore.PeriodDay) > volumeDailyThreshold {
		c.Logger.Info("high-message-volume")
		c.AddAccountFlag("high-volume")
	}
	return nil
}
