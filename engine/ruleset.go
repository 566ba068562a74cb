package engine

type MessageRuleFunc = func(c *MessageContext) error
type IdentityRuleFunc = func(c *AccountContext) error

// Holds configuration of which rules should run, and dispatches events to
// them.
type RuleSet struct {
	MessageRules  []MessageRuleFunc
	IdentityRules []IdentityRuleFunc
}

// Executes all message rules. Only dispatches execution, does no other
// de-dupe or pre/post processing.
func (r *RuleSet) CallMessageRules(c *MessageContext) error {
	for _, f := range r.MessageRules {
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}

// Executes rules for identity (nickname/session) events.
func (r *RuleSet) CallIdentityRules(c *AccountContext) error {
	for _, f := range r.IdentityRules {
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}
