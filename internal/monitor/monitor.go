package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/examsentry/server/internal/config"
	"github.com/examsentry/server/internal/detector"
	"github.com/examsentry/server/internal/events"
	"github.com/examsentry/server/internal/report"
	"github.com/examsentry/server/internal/tamper"
	"github.com/examsentry/server/internal/trustscore"
)

// ErrNotActive is returned when an event arrives without a running session.
var ErrNotActive = errors.New("no active monitoring session")

// Options wires a monitor. Settings is a live getter so gates hot-reloaded
// from config take effect immediately; Now is injectable for tests.
type Options struct {
	Detector   *detector.Detector
	Calculator *trustscore.Calculator
	Reporter   *report.Reporter
	Settings   func() config.Settings
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Monitor owns exactly one behavioral session at a time and bridges the two
// scoring paths: the anomaly detector's one-shot flags on the session log,
// and the trust calculator's per-category counters. The calculator's score
// is the user-visible authority; the session anomaly score is audit data.
type Monitor struct {
	det      *detector.Detector
	calc     *trustscore.Calculator
	reporter *report.Reporter
	watcher  *tamper.Watcher
	settings func() config.Settings
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	session *events.Session
	active  bool
	pageURL string
}

// New creates an idle monitor. Monitoring begins with Start.
func New(opts Options) *Monitor {
	m := &Monitor{
		det:      opts.Detector,
		calc:     opts.Calculator,
		reporter: opts.Reporter,
		settings: opts.Settings,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.settings == nil {
		m.settings = func() config.Settings {
			return config.Settings{TabSwitch: true, DOMManipulation: true, CopyPaste: true}
		}
	}
	m.watcher = tamper.NewWatcher(m.handleTamper, opts.Logger)
	return m
}

// Start begins monitoring a fresh attempt: new session, zeroed calculator,
// new watcher subscription. Starting while already active fully resets
// prior state rather than layering on top of stale counts. pageURL tags
// violations reported for this attempt.
func (m *Monitor) Start(feed tamper.Feed, pageURL string) (events.Snapshot, error) {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	m.mu.Unlock()
	if wasActive {
		m.watcher.Stop()
	}

	m.calc.Reset()

	m.mu.Lock()
	m.session = events.NewSession(m.now())
	m.pageURL = pageURL
	snap := m.session.Snapshot(false)
	m.mu.Unlock()

	if feed != nil && m.settings().DOMManipulation {
		if err := m.watcher.Start(feed); err != nil {
			return events.Snapshot{}, fmt.Errorf("start tamper watcher: %w", err)
		}
	}

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	m.logger.WithField("session", snap.ID).Info("monitoring started")
	return snap, nil
}

// Stop ends monitoring: the watcher is disconnected immediately and the
// score freezes because no further events are accepted. Reports already
// queued keep draining; the shared reporter is closed by the process, not
// per session.
func (m *Monitor) Stop() {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	id := ""
	if m.session != nil {
		id = m.session.ID
	}
	m.mu.Unlock()

	if wasActive {
		m.watcher.Stop()
		m.logger.WithField("session", id).Info("monitoring stopped")
	}
}

// Record ingests one scripted browser event. It is the single mutation
// point: append to the session log, re-run the anomaly detector, then feed
// the trust calculator and the reporting channel.
func (m *Monitor) Record(t events.Type, details map[string]any) (events.Snapshot, error) {
	s := m.settings()
	if gated(t, s) {
		return m.Session()
	}

	m.mu.Lock()
	if !m.active || m.session == nil {
		m.mu.Unlock()
		return events.Snapshot{}, ErrNotActive
	}
	now := m.now()
	m.session.Append(t, details, now)
	raised := m.det.Evaluate(m.session)
	snap := m.session.Snapshot(false)
	url := m.pageURL
	m.mu.Unlock()

	// Trust score path. Per-event categories escalate on every occurrence;
	// typing offenses are charged once per raised flag instead, since raw
	// keystroke/paste events are not violations by themselves.
	if cat, ok := categoryFor(t); ok {
		m.calc.RecordEvent(cat)
	}
	for _, flag := range raised {
		if flag == detector.FlagBurstTyping || flag == detector.FlagFrequentPasting {
			m.calc.RecordEvent(trustscore.CategoryTyping)
		}
		m.reporter.Submit(report.Violation{
			Type:      flag,
			Details:   detector.Describe([]string{flag})[flag],
			Timestamp: now,
			URL:       url,
			Severity:  report.SeverityMedium,
		})
	}
	if t == events.TypeDevtoolsOpen {
		m.reporter.Submit(report.Violation{
			Type:      string(t),
			Details:   "developer tools opened during assessment",
			Timestamp: now,
			URL:       url,
			Severity:  report.SeverityMedium,
		})
	}

	return snap, nil
}

// gated reports whether the settings disable handling for this event type.
func gated(t events.Type, s config.Settings) bool {
	switch t {
	case events.TypeTabSwitch:
		return !s.TabSwitch
	case events.TypeCopy, events.TypePaste:
		return !s.CopyPaste
	case events.TypeOverlayDetected:
		return !s.DOMManipulation
	}
	return false
}

// categoryFor maps a raw event type to its trust score category. Keystroke,
// copy and paste intentionally map to nothing here; they only matter once
// the detector finds a pattern.
func categoryFor(t events.Type) (trustscore.Category, bool) {
	switch t {
	case events.TypeTabSwitch:
		return trustscore.CategoryTabSwitch, true
	case events.TypeMultipleScreens:
		return trustscore.CategoryMultipleScreens, true
	case events.TypeFocusLost, events.TypeFullscreenExit:
		return trustscore.CategoryFocus, true
	case events.TypeOverlayDetected:
		return trustscore.CategoryOverlay, true
	case events.TypeLookaround:
		return trustscore.CategoryLookaround, true
	case events.TypePersonDetected:
		return trustscore.CategoryPerson, true
	case events.TypeLipMovement:
		return trustscore.CategoryLip, true
	case events.TypeBurstTyping:
		return trustscore.CategoryTyping, true
	}
	return "", false
}

// handleTamper is the watcher's sink: tamper findings funnel into the same
// session and score path as scripted events.
func (m *Monitor) handleTamper(v report.Violation) {
	if !m.settings().DOMManipulation {
		return
	}

	m.mu.Lock()
	if !m.active || m.session == nil {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.session.Append(events.TypeOverlayDetected, map[string]any{"violationType": v.Type}, now)
	m.det.Evaluate(m.session)
	if v.URL == "" {
		v.URL = m.pageURL
	}
	m.mu.Unlock()

	if v.Timestamp.IsZero() {
		v.Timestamp = now
	}
	m.calc.RecordEvent(trustscore.CategoryOverlay)
	m.reporter.Submit(v)
}

// Score returns the current user-visible trust score.
func (m *Monitor) Score() float64 {
	return m.calc.Score()
}

// SetOnScoreChange registers the single score-change callback; last
// registration wins and nil deregisters.
func (m *Monitor) SetOnScoreChange(fn func(float64)) {
	m.calc.SetOnChange(fn)
}

// Session returns a snapshot of the current session.
func (m *Monitor) Session() (events.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return events.Snapshot{}, ErrNotActive
	}
	return m.session.Snapshot(false), nil
}

// SessionWithEvents returns a snapshot including the full event log.
func (m *Monitor) SessionWithEvents() (events.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return events.Snapshot{}, ErrNotActive
	}
	return m.session.Snapshot(true), nil
}

// SessionID returns the current session id, or empty when idle.
func (m *Monitor) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

// Active reports whether monitoring is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Reset starts a fresh attempt in place: new session and zeroed calculator,
// watcher subscription untouched.
func (m *Monitor) Reset() (events.Snapshot, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return events.Snapshot{}, ErrNotActive
	}
	m.session = events.NewSession(m.now())
	snap := m.session.Snapshot(false)
	m.mu.Unlock()

	m.calc.Reset()
	m.logger.WithField("session", snap.ID).Info("session reset")
	return snap, nil
}

// Categories exposes the calculator state for diagnostics endpoints.
func (m *Monitor) Categories() map[trustscore.Category]trustscore.CategoryState {
	return m.calc.Categories()
}
