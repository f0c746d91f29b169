// Package notification implements the streamsched NotificationService
// contract on top of the in-memory event bus (internal/eventbus) rather
// than inventing a new transport.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"streamsched/internal/eventbus"
	"streamsched/internal/streamsched"
	logx "streamsched/pkg/logx"
)

// Service adapts an eventbus.Bus into a streamsched.NotificationService.
// Feeds are mapped to bus topics as "notify.<namespace>.<category>.<name>".
type Service struct {
	bus       eventbus.Bus
	log       logx.Logger
	queueSize int
}

// New builds a Service. queueSize sizes each Subscribe call's buffered
// channel; values <= 0 default to 32.
func New(bus eventbus.Bus, log logx.Logger, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Service{bus: bus, log: log, queueSize: queueSize}
}

func topic(feed streamsched.FeedRef) string {
	return fmt.Sprintf("notify.%s.%s.%s", feed.NamespaceId, feed.Category, feed.Name)
}

// Publish feeds a raw size observation into the bus for the named stream
// (size in bytes, ts in unix milliseconds). External components producing
// push notifications (a watched filesystem, a storage-layer webhook, a
// replication tailer) call this.
func (s *Service) Publish(namespace, streamName string, size, ts int64) {
	feed := streamsched.FeedRef{NamespaceId: namespace, Category: "stream", Name: streamName + "Size"}
	s.bus.Publish(eventbus.Event{Type: topic(feed), Data: sizeEvent{Size: size, Ts: ts}})
}

type sizeEvent struct {
	Size int64 `json:"size"`
	Ts   int64 `json:"ts"`
}

// subscription is the Cancellable handle returned to the core.
type subscription struct {
	unsub func()
}

func (c *subscription) Cancel() {
	if c != nil && c.unsub != nil {
		c.unsub()
	}
}

// Subscribe implements streamsched.NotificationService. Delivery runs for
// as long as the returned Cancellable is live, independent of ctx's
// lifetime: per §6, a subscription ends only when Cancel is called, not
// when the context the caller happened to schedule with expires.
func (s *Service) Subscribe(_ context.Context, feed streamsched.FeedRef, handler func(streamsched.SizeObservation)) (streamsched.Cancellable, error) {
	ch, unsub := s.bus.Subscribe(s.queueSize)
	want := topic(feed)

	go func() {
		for ev := range ch {
			if ev.Type != want {
				continue
			}
			obs, ok := decodeSizeEvent(ev.Data)
			if !ok {
				s.log.Warn("notification: dropping malformed event", logx.String("topic", want))
				continue
			}
			handler(obs)
		}
	}()

	return &subscription{unsub: unsub}, nil
}

func decodeSizeEvent(data any) (streamsched.SizeObservation, bool) {
	switch v := data.(type) {
	case sizeEvent:
		return streamsched.SizeObservation{Size: v.Size, Ts: v.Ts}, true
	case map[string]any:
		size, _ := v["size"].(float64)
		ts, _ := v["ts"].(float64)
		return streamsched.SizeObservation{Size: int64(size), Ts: int64(ts)}, true
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return streamsched.SizeObservation{}, false
		}
		var ev sizeEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return streamsched.SizeObservation{}, false
		}
		return streamsched.SizeObservation{Size: ev.Size, Ts: ev.Ts}, true
	}
}
