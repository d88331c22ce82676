// Package realtime fans transaction status updates out to websocket
// subscribers. One room per transaction, at-most-once delivery, no
// replay for late joiners.
package realtime

import (
	"sync"
	"time"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

// Conn is one subscriber connection. WriteEvent must be safe to call
// from multiple goroutines.
type Conn interface {
	WriteEvent(event string, data interface{}) error
}

// Snapshot is the full transaction state carried by every status event.
type Snapshot struct {
	TransacaoID string    `json:"transacaoId"`
	Status      db.Status `json:"status"`
	Metodo      string    `json:"metodo,omitempty"`
	Valor       float64   `json:"valor,omitempty"`
	FalhaMotivo string    `json:"falhaMotivo,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Hub tracks rooms and their subscribers.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[Conn]struct{}
	log   *utils.Logger
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[Conn]struct{}), log: utils.DefaultLogger}
}

// Join subscribes c to the room, creating it on first use.
func (h *Hub) Join(room string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[Conn]struct{})
		h.rooms[room] = subs
	}
	subs[c] = struct{}{}
}

// Leave removes c from the room, dropping the room once empty.
func (h *Hub) Leave(room string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

// Disconnect removes c from every room it joined.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, subs := range h.rooms {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns the current subscriber count for a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Publish sends an event to every subscriber of the room. The list is
// snapshotted under the lock, writes happen outside it. A failed write
// disconnects the subscriber. Returns the number of successful
// deliveries.
func (h *Hub) Publish(room, event string, data interface{}) int {
	h.mu.Lock()
	subs := make([]Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range subs {
		if err := c.WriteEvent(event, data); err != nil {
			h.log.Warn("realtime: dropping subscriber of %s: %v", room, err)
			h.Disconnect(c)
			continue
		}
		delivered++
	}
	return delivered
}

// PublishSnapshot emits a snapshot under both event names the checkout
// listens for.
func (h *Hub) PublishSnapshot(snap Snapshot) {
	h.Publish(snap.TransacaoID, "payment_status_updated", snap)
	h.Publish(snap.TransacaoID, "status_updated", snap)
}

// PublishStatus builds a minimal snapshot and broadcasts it. Satisfies
// the poller's publisher dependency.
func (h *Hub) PublishStatus(transacaoID string, status db.Status, motivo string) {
	h.PublishSnapshot(Snapshot{
		TransacaoID: transacaoID,
		Status:      status,
		FalhaMotivo: motivo,
		UpdatedAt:   time.Now(),
	})
}
