package progress

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedUpdates = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loqa_notes_progress_dropped_total",
	Help: "Progress updates dropped because a subscriber buffer was full",
})

const defaultBuffer = 64

// Update is what hub subscribers receive. Exactly one field is set.
type Update struct {
	Event      *Event
	Completion *Completion
}

// Hub is an in-process Notifier that fans updates out to channel
// subscribers. Delivery never blocks: a full subscriber loses the update.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Update
	nextID uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Update)}
}

// Subscribe registers a listener. The returned cancel func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Progress(e Event) {
	h.publish(Update{Event: &e})
}

func (h *Hub) Complete(c Completion) {
	h.publish(Update{Completion: &c})
}

func (h *Hub) publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			droppedUpdates.Inc()
		}
	}
}
