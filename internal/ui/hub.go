package ui

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives UI commands. Emit must not block.
type Sink interface {
	Emit(cmd Command)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Command)

// Emit calls f(cmd).
func (f SinkFunc) Emit(cmd Command) { f(cmd) }

// Discard drops every command.
var Discard Sink = SinkFunc(func(Command) {})

// Hub fans commands out to subscribers. A subscriber whose buffer is full
// misses the command rather than stalling the caller.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Command
	nextID int
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[int]chan Command),
		logger: logger.With().Str("component", "ui").Logger(),
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Command, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Command, buffer)

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

// Emit delivers cmd to every subscriber.
func (h *Hub) Emit(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- cmd:
		default:
			h.logger.Warn().Int("subscriber", id).Str("command", cmd.Kind()).Msg("Subscriber buffer full, dropping command")
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
