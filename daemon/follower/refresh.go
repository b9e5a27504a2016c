package follower

import (
	"context"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/moby/pubsub"
)

// TopicFullUpdate is the pub/sub topic force-refresh requests arrive on.
const TopicFullUpdate = "full-update"

// RefreshMessage is the payload published on the full-update topic.
type RefreshMessage struct {
	Topic string
	Body  string
}

// RefreshSignal is a latched operator request for a snapshot rebuild. It
// subscribes to the daemon's bus and sets a flag that the follower consumes,
// via TestAndClear, once per tick. Setting an already-set flag is a no-op:
// several requests before the next tick collapse into one rebuild.
type RefreshSignal struct {
	flag   atomic.Bool
	pub    *pubsub.Publisher
	sub    chan interface{}
	doneCh chan struct{}
}

// NewRefreshSignal subscribes to pub and starts consuming refresh messages.
// Close releases the subscription.
func NewRefreshSignal(pub *pubsub.Publisher) *RefreshSignal {
	s := &RefreshSignal{
		pub:    pub,
		doneCh: make(chan struct{}),
	}
	s.sub = pub.SubscribeTopic(func(v interface{}) bool {
		_, ok := v.(RefreshMessage)
		return ok
	})
	go s.consume()
	return s
}

func (s *RefreshSignal) consume() {
	defer close(s.doneCh)
	ctx := context.Background()
	for v := range s.sub {
		m := v.(RefreshMessage)
		if m.Topic != TopicFullUpdate {
			// The bus delivered a message for a topic we never subscribed
			// to; that is a wiring bug, not an operator request.
			log.G(ctx).WithField("topic", m.Topic).Error("refresh message on unexpected topic, ignoring")
			continue
		}
		log.G(ctx).WithField("body", m.Body).Info("full update requested")
		s.Set()
	}
}

// Set latches the refresh flag directly. Exposed for wiring that bypasses
// the bus, such as tests and local admin paths.
func (s *RefreshSignal) Set() {
	s.flag.Store(true)
}

// TestAndClear consumes the flag: it returns true at most once per Set
// burst, atomically clearing the latch.
func (s *RefreshSignal) TestAndClear() bool {
	return s.flag.CompareAndSwap(true, false)
}

// Pending reports the flag without consuming it.
func (s *RefreshSignal) Pending() bool {
	return s.flag.Load()
}

// Close evicts the subscription and waits for the consumer to drain.
func (s *RefreshSignal) Close() {
	s.pub.Evict(s.sub)
	<-s.doneCh
}
