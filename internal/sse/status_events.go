package sse

import (
	"context"
	"sync"

	bookingredis "ms-booking/internal/redis"
)

// StatusEmitter manages SSE clients waiting on a booking's status, keyed by booking id.
type StatusEmitter struct {
	clients map[string][]chan bookingredis.StatusUpdate
	mu      sync.RWMutex
}

func NewStatusEmitter() *StatusEmitter {
	return &StatusEmitter{clients: make(map[string][]chan bookingredis.StatusUpdate)}
}

// Subscribe adds a client for one booking. The channel is closed once ctx is done.
func (e *StatusEmitter) Subscribe(ctx context.Context, bookingID string) <-chan bookingredis.StatusUpdate {
	clientChan := make(chan bookingredis.StatusUpdate, 10)

	e.mu.Lock()
	e.clients[bookingID] = append(e.clients[bookingID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(bookingID, clientChan)
	}()

	return clientChan
}

// Emit delivers an update to every client of its booking. Slow clients miss updates instead
// of blocking the emitter.
func (e *StatusEmitter) Emit(update bookingredis.StatusUpdate) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[update.Booking.ID] {
		select {
		case clientChan <- update:
		default:
		}
	}
}

// Run forwards updates from the shared pub/sub channel until it closes.
func (e *StatusEmitter) Run(updates <-chan bookingredis.StatusUpdate) {
	for update := range updates {
		e.Emit(update)
	}
}

func (e *StatusEmitter) remove(bookingID string, clientChan chan bookingredis.StatusUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[bookingID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[bookingID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}
	if len(e.clients[bookingID]) == 0 {
		delete(e.clients, bookingID)
	}
}

// ClientCount returns how many clients wait on a booking.
func (e *StatusEmitter) ClientCount(bookingID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[bookingID])
}
