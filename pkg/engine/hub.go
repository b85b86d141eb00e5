package engine

import (
	"context"
	"sync"

	"petoiwire/pkg/protocol"
)

// Hub fans records out to subscribers.
//
// Telemetry is never dropped for lossless subscribers: the stream buffer
// behind the camera and parser fallbacks must see every device line. All
// other deliveries are best effort, so a slow monitor or transcript cannot
// stall device I/O.
type Hub struct {
	broadcast  chan protocol.Record
	register   chan subscription
	unregister chan chan protocol.Record
	clients    map[chan protocol.Record]subscription
	clientBuf  int

	done     chan struct{}
	doneOnce sync.Once
}

type subscription struct {
	ch       chan protocol.Record
	lossless bool
}

type HubOption func(*Hub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Record, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Record, 256),
		register:   make(chan subscription),
		unregister: make(chan chan protocol.Record),
		clients:    make(map[chan protocol.Record]subscription),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers records until ctx ends, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			h.clients = nil
			return
		case sub := <-h.register:
			h.clients[sub.ch] = sub
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case rec := <-h.broadcast:
			h.deliver(ctx, rec)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, rec protocol.Record) {
	for ch, sub := range h.clients {
		if sub.lossless && rec.Kind == protocol.RecordTelemetry {
			select {
			case ch <- rec:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case ch <- rec:
		default:
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Record {
	return h.SubscribeWithBuffer(h.clientBuf)
}

func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Record {
	return h.subscribe(size, false)
}

// SubscribeLossless subscribes a consumer that receives every telemetry
// record. It must keep reading until the hub stops or it unsubscribes.
func (h *Hub) SubscribeLossless(size int) chan protocol.Record {
	return h.subscribe(size, true)
}

func (h *Hub) subscribe(size int, lossless bool) chan protocol.Record {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Record, size)
	select {
	case h.register <- subscription{ch: ch, lossless: lossless}:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Record) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues rec. Telemetry waits for room in the broadcast buffer;
// other records are dropped when it is full. Publishing after Run has
// returned is a no-op.
func (h *Hub) Publish(rec protocol.Record) {
	if rec.Kind == protocol.RecordTelemetry {
		select {
		case h.broadcast <- rec:
		case <-h.done:
		}
		return
	}
	select {
	case h.broadcast <- rec:
	default:
	}
}
