package events

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how many undelivered notifications a slow
// subscriber can queue before new ones are dropped — broker delivery is
// best-effort (§4.6); a stalled SSE client must never block publishers.
const subscriberBuffer = 32

// Hub is the local (single-process) fan-out point between NotifyListener
// and the stream endpoint's SSE handlers. It implements Broadcaster.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[chan []byte]struct{}
	listener *NotifyListener
}

// NewHub creates an empty Hub. Call SetListener once the NotifyListener
// exists so Subscribe can issue LISTEN for newly-watched channels.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// SetListener wires the NotifyListener used to LISTEN/UNLISTEN on demand.
func (h *Hub) SetListener(l *NotifyListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Subscribe registers a new subscriber on channel and returns the channel
// it will receive raw NOTIFY payloads on, plus an unsubscribe func the
// caller must invoke exactly once (typically via defer) when done.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	h.mu.Lock()
	if _, ok := h.subs[channel]; !ok {
		h.subs[channel] = make(map[chan []byte]struct{})
	}
	sub := make(chan []byte, subscriberBuffer)
	h.subs[channel][sub] = struct{}{}
	listener := h.listener
	h.mu.Unlock()

	if listener != nil {
		if err := listener.Subscribe(ctx, channel); err != nil {
			h.remove(channel, sub)
			return nil, nil, err
		}
	}

	unsubscribe := func() {
		h.remove(channel, sub)
		if listener != nil {
			_ = listener.Unsubscribe(context.Background(), channel)
		}
	}
	return sub, unsubscribe, nil
}

func (h *Hub) remove(channel string, sub chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[channel]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub)
		}
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
}

// Broadcast delivers payload to every current subscriber of channel,
// dropping it for any subscriber whose buffer is full rather than
// blocking the NOTIFY receive loop.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[channel] {
		select {
		case sub <- payload:
		default:
		}
	}
}
