package tamper

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/server/internal/report"
)

type captureSink struct {
	mu   sync.Mutex
	seen []report.Violation
}

func (c *captureSink) add(v report.Violation) {
	c.mu.Lock()
	c.seen = append(c.seen, v)
	c.mu.Unlock()
}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for _, v := range c.seen {
		out = append(out, v.Type)
	}
	return out
}

func suspiciousIframe() *Node {
	return &Node{Tag: "iframe", Rect: Rect{Width: 0, Height: 0}}
}

func TestWatcherLifecycle(t *testing.T) {
	sink := &captureSink{}
	w := NewWatcher(sink.add, nil)
	feed := NewChannelFeed(8)

	require.NoError(t, w.Start(feed))
	assert.True(t, w.Observing())
	assert.ErrorIs(t, w.Start(feed), ErrAlreadyObserving)

	feed.Publish(Mutation{Kind: MutationChildList, Added: []*Node{suspiciousIframe()}})
	require.Eventually(t, func() bool {
		return len(sink.types()) > 0
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, w.Observing())

	// stopped watcher ignores further mutations
	before := len(sink.types())
	feed.Publish(Mutation{Kind: MutationChildList, Added: []*Node{suspiciousIframe()}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(sink.types()))

	// Stop is idempotent
	w.Stop()
	require.NoError(t, w.Start(feed))
	w.Stop()
}

func TestWatcherClosedFeedStops(t *testing.T) {
	w := NewWatcher(func(report.Violation) {}, nil)
	feed := NewChannelFeed(1)
	require.NoError(t, w.Start(feed))
	feed.Close()

	require.Eventually(t, func() bool { return !w.Observing() }, time.Second, 5*time.Millisecond)
}

func TestWatcherSkipsOwnProbe(t *testing.T) {
	sink := &captureSink{}
	w := NewWatcher(sink.add, nil)
	feed := NewChannelFeed(8)
	require.NoError(t, w.Start(feed))
	defer w.Stop()

	probe := &Node{
		Tag:      "div",
		Attrs:    map[string]string{ProbeMarkerAttr: ProbeMarkerSelf},
		Style:    map[string]string{"opacity": "0.1", "pointer-events": "none"},
		Rect:     Rect{Width: 10, Height: 10},
		Children: []*Node{suspiciousIframe()},
	}
	feed.Publish(Mutation{Kind: MutationChildList, Added: []*Node{probe, suspiciousIframe()}})

	// the sibling iframe is flagged; the probe and its subtree are not
	require.Eventually(t, func() bool {
		return len(sink.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ViolationIframe}, sink.types())
}

func TestWatcherFirstHitStopsSubtreeDescent(t *testing.T) {
	sink := &captureSink{}
	w := NewWatcher(sink.add, nil)
	feed := NewChannelFeed(8)
	require.NoError(t, w.Start(feed))
	defer w.Stop()

	// the matching root has a matching child; only the root's findings emit
	root := suspiciousIframe()
	root.Children = []*Node{suspiciousIframe()}
	feed.Publish(Mutation{Kind: MutationChildList, Added: []*Node{root}})

	require.Eventually(t, func() bool {
		return len(sink.types()) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{ViolationIframe}, sink.types())
}

func TestWatcherDepthGuard(t *testing.T) {
	sink := &captureSink{}
	w := NewWatcher(sink.add, nil)
	feed := NewChannelFeed(8)
	require.NoError(t, w.Start(feed))
	defer w.Stop()

	// bury the only suspicious node past the recursion limit
	leaf := suspiciousIframe()
	node := leaf
	for i := 0; i < maxInspectDepth+5; i++ {
		node = &Node{Tag: "p", Children: []*Node{node}}
	}
	feed.Publish(Mutation{Kind: MutationChildList, Added: []*Node{node}})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.types())
}

func TestWatcherAttributeMutation(t *testing.T) {
	sink := &captureSink{}
	w := NewWatcher(sink.add, nil)
	feed := NewChannelFeed(8)
	require.NoError(t, w.Start(feed))
	defer w.Stop()

	target := &Node{
		Tag:   "div",
		Attrs: map[string]string{"contenteditable": ""},
		Style: map[string]string{"opacity": "0.4"},
		Rect:  Rect{Width: 200, Height: 80},
	}
	feed.Publish(Mutation{Kind: MutationAttributes, Target: target})

	require.Eventually(t, func() bool {
		return len(sink.types()) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.types(), ViolationContentEditable)
}
