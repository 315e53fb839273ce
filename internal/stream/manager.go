package stream

import (
	"sync"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

// ProgressEvent reports samples received for an open occurrence
type ProgressEvent struct {
	TaskID      string           `json:"task_id"`
	Date        recurrence.Date  `json:"date"`
	Status      db.Status        `json:"status"`
	SampleCount int              `json:"sample_count"`
	Concluded   int              `json:"concluded"`
	Total       int              `json:"total"`
	Newly       []matcher.Result `json:"newly_concluded,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// CompletionEvent signals that an occurrence reached a terminal status
type CompletionEvent struct {
	TaskID    string          `json:"task_id"`
	Date      recurrence.Date `json:"date"`
	Status    db.Status       `json:"status"` // "completed" or "missed"
	Concluded int             `json:"concluded"`
	Total     int             `json:"total"`
	Missed    []string        `json:"missed_checkpoints,omitempty"`
}

// Key identifies the stream of one occurrence
func Key(taskID string, date recurrence.Date) string {
	return taskID + "/" + date.String()
}

// Client represents a connected SSE client
type Client struct {
	ID       string
	Progress chan ProgressEvent
	Complete chan CompletionEvent
	Done     chan struct{}
}

// OccurrenceStream manages subscribers for a single occurrence
type OccurrenceStream struct {
	key         string
	clients     map[string]*Client
	buffer      []ProgressEvent
	completed   bool
	completion  *CompletionEvent
	lastActive  time.Time
	mu          sync.RWMutex
	bufferLimit int
}

// Manager manages all active occurrence streams
type Manager struct {
	streams map[string]*OccurrenceStream
	mu      sync.RWMutex
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[string]*OccurrenceStream),
	}
}

// getOrCreateStream gets or creates a stream for an occurrence
func (m *Manager) getOrCreateStream(key string) *OccurrenceStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stream, ok := m.streams[key]; ok {
		return stream
	}

	stream := &OccurrenceStream{
		key:         key,
		clients:     make(map[string]*Client),
		buffer:      make([]ProgressEvent, 0, 100),
		lastActive:  time.Now(),
		bufferLimit: 100,
	}
	m.streams[key] = stream
	return stream
}

// Subscribe registers a client for updates on an occurrence.
// Buffered progress and a past completion are replayed to the new client.
func (m *Manager) Subscribe(key string, clientID string) *Client {
	stream := m.getOrCreateStream(key)

	client := &Client{
		ID:       clientID,
		Progress: make(chan ProgressEvent, 100),
		Complete: make(chan CompletionEvent, 1),
		Done:     make(chan struct{}),
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	for _, ev := range stream.buffer {
		select {
		case client.Progress <- ev:
		default:
			// Client channel full, skip
		}
	}

	if stream.completed && stream.completion != nil {
		select {
		case client.Complete <- *stream.completion:
		default:
		}
	}

	stream.clients[clientID] = client
	return client
}

// Unsubscribe removes a client from an occurrence's updates
func (m *Manager) Unsubscribe(key string, clientID string) {
	m.mu.RLock()
	stream, ok := m.streams[key]
	m.mu.RUnlock()

	if !ok {
		return
	}

	stream.mu.Lock()
	if client, ok := stream.clients[clientID]; ok {
		close(client.Done)
		delete(stream.clients, clientID)
	}
	stream.mu.Unlock()

	m.cleanupStream(key)
}

// Publish sends a progress event to all subscribed clients
func (m *Manager) Publish(ev ProgressEvent) {
	stream := m.getOrCreateStream(Key(ev.TaskID, ev.Date))

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if len(stream.buffer) >= stream.bufferLimit {
		stream.buffer = stream.buffer[1:]
	}
	stream.buffer = append(stream.buffer, ev)
	stream.lastActive = time.Now()

	for _, client := range stream.clients {
		select {
		case client.Progress <- ev:
		default:
			// Client channel full, skip
		}
	}
}

// Complete signals that an occurrence reached a terminal status
func (m *Manager) Complete(ev CompletionEvent) {
	stream := m.getOrCreateStream(Key(ev.TaskID, ev.Date))

	stream.mu.Lock()
	stream.completed = true
	stream.completion = &ev
	stream.lastActive = time.Now()

	for _, client := range stream.clients {
		select {
		case client.Complete <- ev:
		default:
		}
	}
	stream.mu.Unlock()
}

// cleanupStream removes a stream if it has no clients and is completed
func (m *Manager) cleanupStream(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[key]
	if !ok {
		return
	}

	stream.mu.RLock()
	clientCount := len(stream.clients)
	completed := stream.completed
	stream.mu.RUnlock()

	if clientCount == 0 && completed {
		delete(m.streams, key)
	}
}

// CleanupOldStreams removes unwatched streams idle for longer than maxAge
func (m *Manager) CleanupOldStreams(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for key, stream := range m.streams {
		stream.mu.RLock()
		clientCount := len(stream.clients)
		lastActive := stream.lastActive
		stream.mu.RUnlock()

		if clientCount == 0 && lastActive.Before(cutoff) {
			delete(m.streams, key)
			removed++
		}
	}
	return removed
}
