package trustscore

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Category is a scoring bucket for observed integrity violations.
type Category string

const (
	CategoryOverlay         Category = "overlay"
	CategoryFocus           Category = "focus"
	CategoryTyping          Category = "typing"
	CategoryLookaround      Category = "lookaround"
	CategoryPerson          Category = "person"
	CategoryLip             Category = "lip"
	CategoryTabSwitch       Category = "tabSwitch"
	CategoryMultipleScreens Category = "multipleScreens"
)

const (
	baseScore = 100.0

	// Multiplier escalation per repeat occurrence. Escalation is unbounded
	// on purpose: repeated offenses of the same kind are penalized
	// super-linearly and never decay within a session.
	multiplierStep    = 0.2
	lipMultiplierStep = 0.1

	multipleScreensPenalty = 40.0

	disqualifyTabSwitches = 3
)

// tabSwitchPenalty is a ladder, not a multiplier formula. The second switch
// is charged as if the first and an escalated second both apply; the third
// disqualifies outright.
var tabSwitchPenalty = map[int]float64{0: 0, 1: 10, 2: 30}

// CategoryState tracks one bucket's occurrence count, escalating multiplier
// and fixed base weight.
type CategoryState struct {
	Count      int     `json:"count"`
	Multiplier float64 `json:"multiplier"`
	Weight     float64 `json:"weight"`
}

func initialStates() map[Category]*CategoryState {
	return map[Category]*CategoryState{
		CategoryOverlay:         {Multiplier: 1.0, Weight: 15},
		CategoryFocus:           {Multiplier: 1.0, Weight: 5},
		CategoryTyping:          {Multiplier: 1.0, Weight: 10},
		CategoryLookaround:      {Multiplier: 1.0, Weight: 8},
		CategoryPerson:          {Multiplier: 1.0, Weight: 20},
		CategoryLip:             {Multiplier: 1.0, Weight: 2},
		CategoryTabSwitch:       {Multiplier: 1.0, Weight: 0},
		CategoryMultipleScreens: {Multiplier: 1.0, Weight: 0},
	}
}

var advisories = map[Category]string{
	CategoryOverlay:         "Screen overlay detected over the assessment",
	CategoryFocus:           "Attention drifted away from the assessment window",
	CategoryTyping:          "Typing pattern looks automated or pasted",
	CategoryLookaround:      "Candidate repeatedly looking away from screen",
	CategoryPerson:          "Additional person detected in frame",
	CategoryLip:             "Lip movement suggests off-camera conversation",
	CategoryTabSwitch:       "Switched to another tab or window",
	CategoryMultipleScreens: "Multiple displays detected",
}

// Notifier receives the per-category advisory emitted on every recorded
// occurrence. Deduplication, if any, is the caller's responsibility.
type Notifier interface {
	Notify(category Category, message string)
}

// Calculator maintains live per-category counts and multipliers and computes
// the bounded 0-100 trust score on demand. It has an explicit lifecycle:
// construct at monitoring start, Reset for a new attempt, discard at stop.
type Calculator struct {
	mu         sync.Mutex
	categories map[Category]*CategoryState
	notifier   Notifier
	onChange   func(score float64)
	lastScore  float64
	logger     *logrus.Logger
}

// New creates a calculator at the baseline score. notifier may be nil.
func New(notifier Notifier, logger *logrus.Logger) *Calculator {
	return &Calculator{
		categories: initialStates(),
		notifier:   notifier,
		lastScore:  baseScore,
		logger:     logger,
	}
}

// SetOnChange registers the score-change callback. At most one callback is
// registered at a time; the last registration wins and nil deregisters.
func (c *Calculator) SetOnChange(fn func(score float64)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// RecordEvent counts one occurrence of a category. For all categories except
// tabSwitch and multipleScreens the multiplier escalates by a fixed step
// (half-step for lip), so repeats cost more each time.
func (c *Calculator) RecordEvent(category Category) {
	c.mu.Lock()
	st, ok := c.categories[category]
	if !ok {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.WithField("category", category).Warn("ignoring unknown trust score category")
		}
		return
	}
	st.Count++
	switch category {
	case CategoryTabSwitch, CategoryMultipleScreens:
		// penalty ladder categories, no multiplier escalation
	case CategoryLip:
		st.Multiplier += lipMultiplierStep
	default:
		st.Multiplier += multiplierStep
	}
	score := c.scoreLocked()
	changed := score != c.lastScore
	c.lastScore = score
	notifier := c.notifier
	onChange := c.onChange
	c.mu.Unlock()

	if notifier != nil {
		notifier.Notify(category, advisories[category])
	}
	if changed && onChange != nil {
		onChange(score)
	}
}

// Score computes the current trust score, clamped to [0, 100].
func (c *Calculator) Score() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scoreLocked()
}

func (c *Calculator) scoreLocked() float64 {
	tabSwitches := c.categories[CategoryTabSwitch].Count
	if tabSwitches >= disqualifyTabSwitches {
		return 0
	}

	penalty := tabSwitchPenalty[tabSwitches]
	penalty += float64(c.categories[CategoryMultipleScreens].Count) * multipleScreensPenalty

	for cat, st := range c.categories {
		switch cat {
		case CategoryTabSwitch, CategoryMultipleScreens:
			continue
		case CategoryLip:
			// lip penalties stay linear: the multiplier is tracked but
			// intentionally left out of the charge.
			penalty += float64(st.Count) * st.Weight
		default:
			penalty += float64(st.Count) * st.Weight * st.Multiplier
		}
	}

	score := baseScore - penalty
	if score < 0 {
		return 0
	}
	if score > baseScore {
		return baseScore
	}
	return score
}

// Reset returns every category to its initial count, multiplier and weight,
// for starting a fresh attempt.
func (c *Calculator) Reset() {
	c.mu.Lock()
	c.categories = initialStates()
	score := c.scoreLocked()
	changed := score != c.lastScore
	c.lastScore = score
	onChange := c.onChange
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange(score)
	}
}

// Categories returns a copy of the current per-category state.
func (c *Calculator) Categories() map[Category]CategoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Category]CategoryState, len(c.categories))
	for cat, st := range c.categories {
		out[cat] = *st
	}
	return out
}
