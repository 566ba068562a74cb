package rules

import (
	"github.com/haven-chat/warden/engine"
)

func DefaultRules() engine.RuleSet {
	rules := engine.RuleSet{
		MessageRules: []engine.MessageRuleFunc{
			DuplicateFloodMessageRule,
			RateAbuseMessageRule,
			MessageVolumeMessageRule,
		},
		IdentityRules: []engine.IdentityRuleFunc{
			IdentityChurnRule,
		},
	}
	return rules
}
