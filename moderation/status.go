package moderation

import (
	"context"
	"encoding/json"
	"errors"
)

// Status is the caller-facing view of a user's current restrictions,
// derived from active actions plus session state.
type Status struct {
	IsBanned        bool `json:"isBanned"`
	CanSendMessages bool `json:"canSendMessages"`
	CanSendFiles    bool `json:"canSendFiles"`
	CanUseVoice     bool `json:"canUseVoice"`
	CanUseVideo     bool `json:"canUseVideo"`
	ActiveWarnings  int  `json:"activeWarnings"`
}

func (s *Store) Status(ctx context.Context, userID string) (*Status, error) {
	st := Status{
		CanSendMessages: true,
		CanSendFiles:    true,
		CanUseVoice:     true,
		CanUseVideo:     true,
	}

	sess, err := latestSession(s.db.WithContext(ctx), userID)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	now := s.Now().UTC()
	if sess != nil {
		st.ActiveWarnings = sess.WarningCount
		if sess.KickedUntil != nil && sess.KickedUntil.After(now) {
			st.CanSendMessages = false
			st.CanSendFiles = false
		}
	}

	actions, err := s.ActiveActions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.Kind == KindBan {
			st.IsBanned = true
		}
		if a.Restrictions == "" {
			continue
		}
		var restr Restrictions
		if err := json.Unmarshal([]byte(a.Restrictions), &restr); err != nil {
			s.logger.Warn("unparseable restriction set", "actionID", a.ID, "err", err)
			continue
		}
		for cap, allowed := range restr {
			if allowed {
				continue
			}
			switch cap {
			case CapSendMessage:
				st.CanSendMessages = false
			case CapSendFile:
				st.CanSendFiles = false
			case CapVoice:
				st.CanUseVoice = false
			case CapVideo:
				st.CanUseVideo = false
			}
		}
	}
	if st.IsBanned {
		st.CanSendMessages = false
		st.CanSendFiles = false
		st.CanUseVoice = false
		st.CanUseVideo = false
	}
	return &st, nil
}

// Allows reports whether the user currently retains the capability.
func (st *Status) Allows(cap Capability) bool {
	switch cap {
	case CapSendMessage:
		return st.CanSendMessages
	case CapSendFile:
		return st.CanSendFiles
	case CapVoice:
		return st.CanUseVoice
	case CapVideo:
		return st.CanUseVideo
	default:
		return true
	}
}
