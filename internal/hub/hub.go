// Package hub fans a backend's filesystem change events out to its
// connected WebSocket subscribers. One Hub per backend.
package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is the JSON payload broadcast to subscribers.
type Message struct {
	EventType     string `json:"event_type"`
	FilePath      string `json:"file_path"`
	ServerName    string `json:"server_name"`
	Port          int    `json:"port"`
	Timestamp     int64  `json:"timestamp"`
	FileExtension string `json:"file_extension"`
}

// maxPending is the hard cap on a subscriber's queue; overflow drops the
// oldest pending message rather than blocking the broadcaster.
const maxPending = 256

// subscriber is one connected client's outbound queue.
type subscriber struct {
	ch chan Message
}

// Hub owns the subscriber set for one backend.
type Hub struct {
	serverName string
	port       int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New creates a Hub for the named backend.
func New(serverName string, port int) *Hub {
	return &Hub{
		serverName: serverName,
		port:       port,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber and returns a handle plus a channel
// to read broadcast messages from. Call Unsubscribe when the connection
// closes.
func (h *Hub) Subscribe() (handle interface{}, messages <-chan Message) {
	s := &subscriber{ch: make(chan Message, maxPending)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s, s.ch
}

// Unsubscribe removes handle from the subscriber set. Safe to call more
// than once or after the hub has already dropped the subscriber.
func (h *Hub) Unsubscribe(handle interface{}) {
	s, ok := handle.(*subscriber)
	if !ok {
		return
	}
	h.mu.Lock()
	if _, exists := h.subs[s]; exists {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every current subscriber. The subscriber
// list lock is released before any channel send, so a slow subscriber
// cannot stall registration of new ones.
func (h *Hub) Broadcast(eventType, filePath, fileExtension string) {
	msg := Message{
		EventType:     eventType,
		FilePath:      filePath,
		ServerName:    h.serverName,
		Port:          h.port,
		Timestamp:     time.Now().UnixMilli(),
		FileExtension: fileExtension,
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		default:
			// Queue full: drop the oldest pending message, then enqueue.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Encode is a convenience used by the backend's WebSocket writer.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
