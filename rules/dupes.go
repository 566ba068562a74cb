package rules

import (
	"fmt"

	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/spam"
)

var _ engine.MessageRuleFunc = DuplicateFloodMessageRule

// DuplicateFloodMessageRule turns the detector's duplicate-flood observation
// into a moderation recommendation: a warn the first time the flood crosses
// the threshold, a kick if the same fingerprint keeps coming.
func DuplicateFloodMessageRule(c *engine.MessageContext) error {
	switch c.Message.AbuseReason {
	case spam.ReasonContinuedFlood:
		c.Logger.Warn("duplicate-flood", "duplicateCount", c.Message.DuplicateCount)
		c.AddAccountFlag("spam-flood")
		c.RecommendKick(fmt.Sprintf("%s: %d identical messages in window", c.Message.AbuseReason, c.Message.DuplicateCount))
	case spam.ReasonDuplicateFlood:
		c.Logger.Info("duplicate-flood", "duplicateCount", c.Message.DuplicateCount)
		c.AddAccountFlag("spam-warned")
		c.RecommendWarn(fmt.Sprintf("%s: %d identical messages in window", c.Message.AbuseReason, c.Message.DuplicateCount))
	}
	if c.Message.DuplicateCount > 1 {
		c.Increment("dupe-message", c.Account.UserID)
	}
	return nil
}
