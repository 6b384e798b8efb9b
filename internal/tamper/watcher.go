package tamper

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/examsentry/server/internal/report"
)

// maxInspectDepth bounds recursion into child nodes so a pathological or
// self-referential snapshot cannot wedge the observer.
const maxInspectDepth = 25

// ErrAlreadyObserving is returned by Start when the watcher is running.
var ErrAlreadyObserving = errors.New("tamper watcher already observing")

// Watcher continuously inspects DOM mutation snapshots for signatures of
// cheating infrastructure. Lifecycle: inactive -> observing -> inactive.
// Stop disconnects immediately; once Stop returns, no further violations
// are emitted.
type Watcher struct {
	sink   func(report.Violation)
	logger *logrus.Logger

	mu        sync.Mutex
	observing bool
	stop      chan struct{}
	done      chan struct{}
}

// NewWatcher creates an inactive watcher that emits violations into sink.
func NewWatcher(sink func(report.Violation), logger *logrus.Logger) *Watcher {
	return &Watcher{sink: sink, logger: logger}
}

// Start subscribes the watcher to a mutation feed.
func (w *Watcher) Start(feed Feed) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.observing {
		return ErrAlreadyObserving
	}
	w.observing = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(feed, w.stop, w.done)
	return nil
}

// Stop unsubscribes and waits for the observer loop to exit. Safe to call
// when inactive.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.observing {
		w.mu.Unlock()
		return
	}
	w.observing = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
}

// Observing reports the watcher state.
func (w *Watcher) Observing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observing
}

func (w *Watcher) run(feed Feed, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case m, ok := <-feed.Mutations():
			if !ok {
				w.mu.Lock()
				w.observing = false
				w.mu.Unlock()
				return
			}
			w.handle(m, stop)
		}
	}
}

// handle inspects one mutation. A panic while inspecting a node (removed
// mid-inspection, malformed snapshot) is confined to that mutation; the
// observer keeps running.
func (w *Watcher) handle(m Mutation, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.WithField("panic", r).Warn("tamper inspection failed for mutation, skipping")
		}
	}()

	switch m.Kind {
	case MutationAttributes:
		if m.Target != nil {
			w.inspectTree(m.Target, m.URL, 0, stop)
		}
	default: // childList and unknown kinds: scan added nodes
		for _, n := range m.Added {
			// First hit per top-level scan wins; remaining siblings are
			// still scanned but a flagged subtree is not descended further.
			w.inspectTree(n, m.URL, 0, stop)
		}
	}
}

// inspectTree walks a node and its children depth-first, emitting every
// finding for the first node that matches and then stopping recursion in
// that subtree to avoid duplicate spam. Returns whether anything fired.
func (w *Watcher) inspectTree(n *Node, url string, depth int, stop <-chan struct{}) bool {
	if n == nil || depth > maxInspectDepth {
		return false
	}
	select {
	case <-stop:
		return false
	default:
	}
	if n.Attrs[ProbeMarkerAttr] == ProbeMarkerSelf {
		return false
	}

	findings := safeInspect(n, url, w.logger)
	if len(findings) > 0 {
		for _, v := range findings {
			w.sink(v)
		}
		return true
	}
	for _, child := range n.Children {
		if w.inspectTree(child, url, depth+1, stop) {
			return true
		}
	}
	return false
}

// safeInspect confines a per-node inspection failure to that node.
func safeInspect(n *Node, url string, logger *logrus.Logger) (out []report.Violation) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.WithField("panic", r).Debug("node inspection failed, skipping node")
			}
			out = nil
		}
	}()
	return inspectNode(n, url)
}
