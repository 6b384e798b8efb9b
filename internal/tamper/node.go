package tamper

// Node is a serialized DOM element snapshot shipped by the extension's
// MutationObserver bridge: tag, attributes, computed styles, bounding rect,
// text content and children. Styles may carry vendor-prefixed keys or be
// missing entirely; every reader here must tolerate that.
type Node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Style    map[string]string `json:"style,omitempty"`
	Text     string            `json:"text,omitempty"`
	Rect     Rect              `json:"rect"`
	Children []*Node           `json:"children,omitempty"`
}

// Rect is the element's bounding box in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Mutation is one observed structural or attribute change.
type Mutation struct {
	Kind   string  `json:"kind"` // "childList" or "attributes"
	URL    string  `json:"url,omitempty"`
	Added  []*Node `json:"added,omitempty"`
	Target *Node   `json:"target,omitempty"`
}

const (
	MutationChildList  = "childList"
	MutationAttributes = "attributes"
)

// Feed is the subscription contract between a mutation producer and the
// watcher. The websocket ingest implements it in production; tests use
// ChannelFeed directly.
type Feed interface {
	Mutations() <-chan Mutation
}

// ChannelFeed is a buffered in-process mutation feed.
type ChannelFeed struct {
	ch chan Mutation
}

// NewChannelFeed creates a feed with the given buffer size.
func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChannelFeed{ch: make(chan Mutation, buffer)}
}

// Publish offers a mutation to subscribers, dropping it when the buffer is
// full so a slow consumer never blocks the producer.
func (f *ChannelFeed) Publish(m Mutation) bool {
	select {
	case f.ch <- m:
		return true
	default:
		return false
	}
}

// Mutations returns the subscription channel.
func (f *ChannelFeed) Mutations() <-chan Mutation {
	return f.ch
}

// Close ends the feed; the watcher treats a closed feed as a stop.
func (f *ChannelFeed) Close() {
	close(f.ch)
}
