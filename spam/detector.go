// Sliding-window spam detection for inbound messages.
//
// The detector is purely advisory: it recommends a moderation action and the
// engine decides whether to apply it. Detection applies to every user
// regardless of trust level; trust only changes what happens after flagging.
package spam

import (
	"context"
	"sync"
	"time"

	sw "github.com/RussellLuo/slidingwindow"
	"github.com/puzpuzpuz/xsync/v3"
)

type Recommendation int

const (
	RecommendNone Recommendation = iota
	RecommendWarn
	RecommendKick
)

// observation reasons, stable strings consumed by rules and audit entries
const (
	ReasonDuplicateFlood = "duplicate message flood"
	ReasonContinuedFlood = "continued duplicate message flood"
	ReasonRateAbuse      = "rapid-fire posting"
)

func (r Recommendation) String() string {
	switch r {
	case RecommendWarn:
		return "warn"
	case RecommendKick:
		return "kick"
	default:
		return "none"
	}
}

type Config struct {
	// trailing window for duplicate fingerprint tracking
	Window time.Duration
	// identical fingerprints within Window before a warn is recommended
	DuplicateThreshold int
	// additional duplicates past the threshold before a kick is recommended
	KickDelta int
	// sub-window for rapid-fire posting
	RateWindow time.Duration
	// messages allowed within RateWindow before a warn is recommended
	RateLimit int64
}

func DefaultConfig() Config {
	return Config{
		Window:             5 * time.Minute,
		DuplicateThreshold: 10,
		KickDelta:          3,
		RateWindow:         30 * time.Second,
		RateLimit:          5,
	}
}

type Result struct {
	Fingerprint    uint64
	Abusive        bool
	Recommendation Recommendation
	DuplicateCount int
	RateExceeded   bool
	Reason         string
}

// Detector keeps one record per user: a trailing-window list of message
// fingerprints (pruned lazily on each check) plus a rate sub-window limiter.
type Detector struct {
	// clock override for tests
	Now func() time.Time

	cfg     Config
	records *xsync.MapOf[string, *spamRecord]
}

type spamRecord struct {
	mu      sync.Mutex
	entries []fpEntry
	// warningIssued, per fingerprint flood; cleared when the flood leaves the window
	warned map[uint64]bool
	rate   *sw.Limiter
}

type fpEntry struct {
	fp uint64
	at time.Time
}

func NewDetector(cfg Config) *Detector {
	return &Detector{
		Now:     time.Now,
		cfg:     cfg,
		records: xsync.NewMapOf[string, *spamRecord](),
	}
}

func (d *Detector) record(userID string) *spamRecord {
	rec, ok := d.records.Load(userID)
	if ok {
		return rec
	}
	lim, _ := sw.NewLimiter(d.cfg.RateWindow, d.cfg.RateLimit, func() (sw.Window, sw.StopFunc) {
		return sw.NewLocalWindow()
	})
	rec, _ = d.records.LoadOrStore(userID, &spamRecord{
		warned: make(map[uint64]bool),
		rate:   lim,
	})
	return rec
}

// Check records the message and reports whether it looks abusive, with a
// recommended action. The Nth identical fingerprint within the window
// (N = DuplicateThreshold) recommends a warn, exactly once per flood;
// N + KickDelta and beyond recommends a kick. Independently, exceeding
// RateLimit messages within RateWindow recommends a warn for rate abuse.
func (d *Detector) Check(ctx context.Context, userID, text string) (Result, error) {
	now := d.Now()
	fp := Fingerprint(text)
	res := Result{Fingerprint: fp}

	rec := d.record(userID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.prune(now.Add(-d.cfg.Window))
	rec.entries = append(rec.entries, fpEntry{fp: fp, at: now})

	dupes := 0
	for _, e := range rec.entries {
		if e.fp == fp {
			dupes++
		}
	}
	res.DuplicateCount = dupes
	res.RateExceeded = !rec.rate.AllowN(now, 1)

	switch {
	case dupes >= d.cfg.DuplicateThreshold+d.cfg.KickDelta:
		res.Abusive = true
		res.Recommendation = RecommendKick
		res.Reason = ReasonContinuedFlood
	case dupes >= d.cfg.DuplicateThreshold:
		res.Abusive = true
		if !rec.warned[fp] {
			rec.warned[fp] = true
			res.Recommendation = RecommendWarn
			res.Reason = ReasonDuplicateFlood
		}
	}
	// the rate signal stands on its own: a flood in the already-warned state
	// must not mask rapid-fire posting
	if res.RateExceeded {
		res.Abusive = true
		if res.Recommendation == RecommendNone {
			res.Recommendation = RecommendWarn
			res.Reason = ReasonRateAbuse
		}
	}
	return res, nil
}

// caller must hold rec.mu
func (rec *spamRecord) prune(cutoff time.Time) {
	keep := rec.entries[:0]
	live := make(map[uint64]bool)
	for _, e := range rec.entries {
		if e.at.After(cutoff) {
			keep = append(keep, e)
			live[e.fp] = true
		}
	}
	rec.entries = keep
	for fp := range rec.warned {
		if !live[fp] {
			delete(rec.warned, fp)
		}
	}
}
