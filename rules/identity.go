package rules

import (
	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/session"
)

var _ engine.IdentityRuleFunc = IdentityChurnRule

var churnDailyNameThreshold = 5

// IdentityChurnRule looks for accounts cycling through display names. The
// registry already counts lifetime changes; this rule additionally flags a
// burst of distinct names within a single day, which lifetime totals can
// miss for old accounts.
func IdentityChurnRule(c *engine.AccountContext) error {
	if c.HasFlag(session.FlagIdentityChurn) {
		return nil
	}
	distinct := c.GetCountDistinct("nick", c.Account.UserID, countstore.PeriodDay)
	if distinct >= churnDailyNameThreshold {
		c.Logger.Info("identity-churn", "distinctNamesToday", distinct)
		c.AddAccountFlag(session.FlagIdentityChurn)
	}
	return nil
}
