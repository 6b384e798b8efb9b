package monitor_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/server/internal/config"
	"github.com/examsentry/server/internal/detector"
	"github.com/examsentry/server/internal/events"
	"github.com/examsentry/server/internal/monitor"
	"github.com/examsentry/server/internal/report"
	"github.com/examsentry/server/internal/tamper"
	"github.com/examsentry/server/internal/trustscore"
)

type harness struct {
	mon   *monitor.Monitor
	store *report.MemoryStore

	mu       sync.Mutex
	now      time.Time
	settings config.Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		store:    report.NewMemoryStore(0),
		now:      time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		settings: config.Settings{TabSwitch: true, DOMManipulation: true, CopyPaste: true},
	}
	reporter := report.NewReporter(report.Config{
		TypeCooldown:   time.Millisecond,
		GlobalCooldown: time.Millisecond,
	}, h.store, nil, nil, logger)
	t.Cleanup(reporter.Close)

	h.mon = monitor.New(monitor.Options{
		Detector:   detector.New(detector.DefaultConfig(), nil),
		Calculator: trustscore.New(nil, logger),
		Reporter:   reporter,
		Settings:   h.currentSettings,
		Logger:     logger,
		Now:        h.clock,
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) currentSettings() config.Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

func (h *harness) setSettings(s config.Settings) {
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()
}

func (h *harness) storedTypes(t *testing.T) []string {
	t.Helper()
	items, err := h.store.List(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.Type)
	}
	return out
}

func TestRecordRequiresActiveSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Record(events.TypeTabSwitch, nil)
	assert.ErrorIs(t, err, monitor.ErrNotActive)
	assert.False(t, h.mon.Active())
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t)

	snap, err := h.mon.Start(nil, "https://interview.example/session")
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)
	assert.True(t, h.mon.Active())
	assert.Equal(t, snap.ID, h.mon.SessionID())
	assert.Equal(t, 100.0, h.mon.Score())

	h.mon.Stop()
	assert.False(t, h.mon.Active())
	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	assert.ErrorIs(t, err, monitor.ErrNotActive)

	// the frozen session is still readable
	got, err := h.mon.Session()
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
}

func TestTabSwitchDisqualification(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	assert.Equal(t, 90.0, h.mon.Score())

	h.advance(time.Minute)
	snap, err := h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	assert.Equal(t, 70.0, h.mon.Score())
	assert.Contains(t, snap.Flags, detector.FlagTabSwitching)

	h.advance(time.Minute)
	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, h.mon.Score())

	// the raised flag went through the reporting channel
	require.Eventually(t, func() bool {
		types := h.storedTypes(t)
		for _, typ := range types {
			if typ == detector.FlagTabSwitching {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPasteFlagChargesTypingOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = h.mon.Record(events.TypePaste, map[string]any{"pasteLength": 80})
		require.NoError(t, err)
		h.advance(2 * time.Second)
	}

	// typing weight 10, one charge at escalated multiplier 1.2
	assert.InDelta(t, 88.0, h.mon.Score(), 1e-9)
	snap, err := h.mon.Session()
	require.NoError(t, err)
	assert.Equal(t, []string{detector.FlagFrequentPasting}, snap.Flags)
	assert.Equal(t, 20.0, snap.AnomalyScore)

	// further pastes do not re-charge the one-shot flag
	h.mon.Record(events.TypePaste, nil)
	assert.InDelta(t, 88.0, h.mon.Score(), 1e-9)
}

func TestGatingDropsDisabledEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	h.setSettings(config.Settings{TabSwitch: false, DOMManipulation: true, CopyPaste: false})

	snap, err := h.mon.Record(events.TypePaste, nil)
	require.NoError(t, err)
	assert.Zero(t, snap.EventCount, "gated events are not appended")

	snap, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	assert.Zero(t, snap.EventCount)
	assert.Equal(t, 100.0, h.mon.Score())

	t.Run("ungated events still flow", func(t *testing.T) {
		snap, err := h.mon.Record(events.TypeFocusLost, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.EventCount)
		assert.Less(t, h.mon.Score(), 100.0)
	})
}

func TestMultipleScreensAndFocusBridge(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	_, err = h.mon.Record(events.TypeMultipleScreens, nil)
	require.NoError(t, err)
	assert.Equal(t, 60.0, h.mon.Score())

	_, err = h.mon.Record(events.TypeFullscreenExit, nil)
	require.NoError(t, err)
	// focus weight 5 at multiplier 1.2
	assert.InDelta(t, 54.0, h.mon.Score(), 1e-9)
}

func TestDevtoolsEventIsReported(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "https://interview.example/session")
	require.NoError(t, err)

	_, err = h.mon.Record(events.TypeDevtoolsOpen, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, typ := range h.storedTypes(t) {
			if typ == string(events.TypeDevtoolsOpen) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestTamperFindingsFeedTheSession(t *testing.T) {
	h := newHarness(t)
	feed := tamper.NewChannelFeed(8)
	_, err := h.mon.Start(feed, "https://interview.example/session")
	require.NoError(t, err)

	feed.Publish(tamper.Mutation{
		Kind:  tamper.MutationChildList,
		Added: []*tamper.Node{{Tag: "iframe"}},
	})

	require.Eventually(t, func() bool {
		snap, err := h.mon.Session()
		return err == nil && snap.EventCount == 1
	}, time.Second, 5*time.Millisecond)

	snap, err := h.mon.SessionWithEvents()
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, events.TypeOverlayDetected, snap.Events[0].Type)

	// overlay weight 15 at multiplier 1.2
	assert.InDelta(t, 82.0, h.mon.Score(), 1e-9)
}

func TestWatcherNotStartedWhenDOMGateOff(t *testing.T) {
	h := newHarness(t)
	h.setSettings(config.Settings{TabSwitch: true, DOMManipulation: false, CopyPaste: true})

	feed := tamper.NewChannelFeed(8)
	_, err := h.mon.Start(feed, "")
	require.NoError(t, err)

	feed.Publish(tamper.Mutation{
		Kind:  tamper.MutationChildList,
		Added: []*tamper.Node{{Tag: "iframe"}},
	})
	time.Sleep(20 * time.Millisecond)

	snap, err := h.mon.Session()
	require.NoError(t, err)
	assert.Zero(t, snap.EventCount)
	assert.Equal(t, 100.0, h.mon.Score())
}

func TestResetStartsFreshAttempt(t *testing.T) {
	h := newHarness(t)
	first, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	require.Equal(t, 90.0, h.mon.Score())

	snap, err := h.mon.Reset()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, snap.ID)
	assert.Zero(t, snap.EventCount)
	assert.Equal(t, 100.0, h.mon.Score())
	assert.True(t, h.mon.Active())
}

func TestStartWhileActiveResets(t *testing.T) {
	h := newHarness(t)
	first, err := h.mon.Start(nil, "")
	require.NoError(t, err)
	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)

	second, err := h.mon.Start(nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 100.0, h.mon.Score())
}

func TestScoreChangeCallback(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Start(nil, "")
	require.NoError(t, err)

	var mu sync.Mutex
	var scores []float64
	h.mon.SetOnScoreChange(func(score float64) {
		mu.Lock()
		scores = append(scores, score)
		mu.Unlock()
	})

	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)
	h.advance(time.Minute)
	_, err = h.mon.Record(events.TypeTabSwitch, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{90, 70}, scores)
}
