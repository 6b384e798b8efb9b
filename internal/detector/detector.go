package detector

import (
	"github.com/sirupsen/logrus"

	"github.com/examsentry/server/internal/events"
)

// Flag names raised by the detector.
const (
	FlagFrequentPasting   = "frequent_pasting"
	FlagBurstTyping       = "burst_typing"
	FlagFrequentFocusLoss = "frequent_focus_loss"
	FlagTabSwitching      = "tab_switching"
)

// Config holds the sliding-window thresholds and the one-shot anomaly
// increments. Zero values fall back to the defaults below.
type Config struct {
	PasteCount      int     `mapstructure:"paste_count"`
	PasteWindowMS   int64   `mapstructure:"paste_window_ms"`
	PasteIncrement  float64 `mapstructure:"paste_increment"`
	BurstKeystrokes int     `mapstructure:"burst_keystrokes"`
	BurstWindowMS   int64   `mapstructure:"burst_window_ms"`
	BurstIncrement  float64 `mapstructure:"burst_increment"`
	FocusLossCount  int     `mapstructure:"focus_loss_count"`
	FocusIncrement  float64 `mapstructure:"focus_increment"`
	TabSwitchCount  int     `mapstructure:"tab_switch_count"`
	TabIncrement    float64 `mapstructure:"tab_increment"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PasteCount:      3,
		PasteWindowMS:   10000,
		PasteIncrement:  20,
		BurstKeystrokes: 10,
		BurstWindowMS:   1000,
		BurstIncrement:  25,
		FocusLossCount:  3,
		FocusIncrement:  15,
		TabSwitchCount:  2,
		TabIncrement:    30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PasteCount <= 0 {
		c.PasteCount = d.PasteCount
	}
	if c.PasteWindowMS <= 0 {
		c.PasteWindowMS = d.PasteWindowMS
	}
	if c.PasteIncrement <= 0 {
		c.PasteIncrement = d.PasteIncrement
	}
	if c.BurstKeystrokes <= 0 {
		c.BurstKeystrokes = d.BurstKeystrokes
	}
	if c.BurstWindowMS <= 0 {
		c.BurstWindowMS = d.BurstWindowMS
	}
	if c.BurstIncrement <= 0 {
		c.BurstIncrement = d.BurstIncrement
	}
	if c.FocusLossCount <= 0 {
		c.FocusLossCount = d.FocusLossCount
	}
	if c.FocusIncrement <= 0 {
		c.FocusIncrement = d.FocusIncrement
	}
	if c.TabSwitchCount <= 0 {
		c.TabSwitchCount = d.TabSwitchCount
	}
	if c.TabIncrement <= 0 {
		c.TabIncrement = d.TabIncrement
	}
	return c
}

// rule is one independent, idempotent heuristic over the event log.
type rule struct {
	flag      string
	increment float64
	match     func(s *events.Session) bool
}

// Detector derives qualitative flags from a session's event log. Evaluate is
// re-run after every append and never errors; rules that already fired are
// skipped, so re-evaluating an unchanged log is a no-op.
type Detector struct {
	rules  []rule
	logger *logrus.Logger
}

// New builds a detector from the given thresholds.
func New(cfg Config, logger *logrus.Logger) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		logger: logger,
		rules: []rule{
			{
				flag:      FlagFrequentPasting,
				increment: cfg.PasteIncrement,
				match: func(s *events.Session) bool {
					return recentWithinWindow(s.OfType(events.TypePaste), cfg.PasteCount, cfg.PasteWindowMS, true)
				},
			},
			{
				flag:      FlagBurstTyping,
				increment: cfg.BurstIncrement,
				match: func(s *events.Session) bool {
					return recentWithinWindow(s.OfType(events.TypeKeystroke), cfg.BurstKeystrokes, cfg.BurstWindowMS, false)
				},
			},
			{
				flag:      FlagFrequentFocusLoss,
				increment: cfg.FocusIncrement,
				match: func(s *events.Session) bool {
					return s.Count(events.TypeFocusLost) >= cfg.FocusLossCount
				},
			},
			{
				flag:      FlagTabSwitching,
				increment: cfg.TabIncrement,
				match: func(s *events.Session) bool {
					return s.Count(events.TypeTabSwitch) >= cfg.TabSwitchCount
				},
			},
		},
	}
}

// Evaluate applies every rule against the session and returns the flags that
// were newly raised by this pass. Each rule fires at most once per session.
func (d *Detector) Evaluate(s *events.Session) []string {
	if s == nil {
		return nil
	}
	var raised []string
	for _, r := range d.rules {
		if s.Has(r.flag) {
			continue
		}
		if !r.match(s) {
			continue
		}
		if s.Raise(r.flag, r.increment) {
			raised = append(raised, r.flag)
			if d.logger != nil {
				d.logger.WithFields(logrus.Fields{
					"session": s.ID,
					"flag":    r.flag,
					"score":   s.AnomalyScore,
				}).Info("anomaly flag raised")
			}
		}
	}
	return raised
}

// recentWithinWindow reports whether at least n events of the slice exist and
// the n most recent ones span at most windowMS milliseconds end to end.
// inclusive controls whether a span exactly equal to the window counts.
func recentWithinWindow(evs []events.Event, n int, windowMS int64, inclusive bool) bool {
	if n <= 0 || len(evs) < n {
		return false
	}
	span := evs[len(evs)-1].Timestamp - evs[len(evs)-n].Timestamp
	if inclusive {
		return span <= windowMS
	}
	return span < windowMS
}
