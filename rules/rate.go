package rules

import (
	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/spam"
)

var _ engine.MessageRuleFunc = RateAbuseMessageRule

// RateAbuseMessageRule recommends a warn for rapid-fire posting flagged by
// the detector's rate sub-window.
func RateAbuseMessageRule(c *engine.MessageContext) error {
	if !c.Message.RateExceeded {
		return nil
	}
	c.Increment("rate-exceeded", c.Account.UserID)
	if c.Message.AbuseReason == spam.ReasonRateAbuse {
		c.Logger.Info("rate-abuse")
		c.RecommendWarn(spam.ReasonRateAbuse)
	}
	return nil
}
