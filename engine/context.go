package engine

import (
	"context"
	"log/slog"

	"github.com/haven-chat/warden/models"
	"github.com/haven-chat/warden/spam"
	"github.com/haven-chat/warden/trust"
)

// The primary interface exposed to rules. All other contexts derive from
// this "base" struct.
type BaseContext struct {
	// Actual golang "context.Context", if needed for timeouts etc
	Ctx context.Context
	// Any errors encountered while processing methods on this struct get
	// rolled up in this nullable field
	Err error
	// slog logger handle, with event-specific structured fields
	// pre-populated. Pointer, but expected to never be nil.
	Logger *slog.Logger

	engine  *Engine // NOTE: pointer, but expected never to be nil
	effects *Effects
}

// information about the account behind an event, always pre-populated and
// relevant to most rules
type AccountMeta struct {
	UserID  string
	Session models.UserSession
	Flags   []string
	Trust   trust.Profile
}

type AccountContext struct {
	BaseContext

	Account AccountMeta
}

// one inbound message, with detector observations attached
type MessageMeta struct {
	Text           string
	Fingerprint    uint64
	DuplicateCount int
	RateExceeded   bool
	Abusive        bool
	Recommendation spam.Recommendation
	AbuseReason    string
}

type MessageContext struct {
	AccountContext

	Message MessageMeta
}

func NewAccountContext(ctx context.Context, eng *Engine, meta AccountMeta) AccountContext {
	return AccountContext{
		BaseContext: BaseContext{
			Ctx:     ctx,
			Err:     nil,
			Logger:  eng.Logger.With("userID", meta.UserID),
			engine:  eng,
			effects: &Effects{},
		},
		Account: meta,
	}
}

func NewMessageContext(ctx context.Context, eng *Engine, meta AccountMeta, msg MessageMeta) MessageContext {
	ac := NewAccountContext(ctx, eng, meta)
	ac.BaseContext.Logger = ac.BaseContext.Logger.With("fingerprint", msg.Fingerprint)
	return MessageContext{
		AccountContext: ac,
		Message:        msg,
	}
}

// request external state via engine (indirect)
func (c *BaseContext) GetCount(name, val, period string) int {
	out, err := c.engine.Counters.GetCount(c.Ctx, name, val, period)
	if err != nil {
		if nil == c.Err {
			c.Err = err
		}
		return 0
	}
	return out
}

func (c *BaseContext) GetCountDistinct(name, bucket, period string) int {
	out, err := c.engine.Counters.GetCountDistinct(c.Ctx, name, bucket, period)
	if err != nil {
		if nil == c.Err {
			c.Err = err
		}
		return 0
	}
	return out
}

func (c *AccountContext) HasFlag(val string) bool {
	for _, f := range c.Account.Flags {
		if f == val {
			return true
		}
	}
	return false
}

// update effects (indirect) ======

func (c *BaseContext) Increment(name, val string) {
	c.effects.Increment(name, val)
}

func (c *BaseContext) IncrementPeriod(name, val, period string) {
	c.effects.IncrementPeriod(name, val, period)
}

func (c *BaseContext) IncrementDistinct(name, bucket, val string) {
	c.effects.IncrementDistinct(name, bucket, val)
}

func (c *AccountContext) AddAccountFlag(val string) {
	c.effects.AddAccountFlag(val)
}

func (c *AccountContext) RecommendWarn(reason string) {
	c.effects.Recommend(spam.RecommendWarn, reason)
}

func (c *AccountContext) RecommendKick(reason string) {
	c.effects.Recommend(spam.RecommendKick, reason)
}

// Returns a pointer to the underlying engine. This usually should NOT be
// used in rules; it is an escape hatch and the Engine API is not stable.
func (c *BaseContext) InternalEngine() *Engine {
	return c.engine
}
