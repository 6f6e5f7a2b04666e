package session

import (
	"context"
	"sync"
	"time"

	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// MemoryStore is the in-process session cache: a mutex-guarded map of
// conversation buffers with lazy expiry on read plus a background sweep.
type MemoryStore struct {
	mu          sync.RWMutex
	buffers     map[string][]types.SessionMessage
	ttl         time.Duration
	maxMessages int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates an in-memory session store. sweepInterval <= 0
// disables the background sweep (expiry still happens lazily on read).
func NewMemoryStore(ttl time.Duration, maxMessages int, sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buffers:     make(map[string][]types.SessionMessage),
		ttl:         ttl,
		maxMessages: maxMessages,
		stopCh:      make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Append adds a message to its conversation buffer.
func (s *MemoryStore) Append(_ context.Context, msg types.SessionMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[msg.ConversationID], msg)
	if s.maxMessages > 0 && len(buf) > s.maxMessages {
		buf = buf[len(buf)-s.maxMessages:]
	}
	s.buffers[msg.ConversationID] = buf
	return nil
}

// Recent returns up to limit live messages, newest last.
func (s *MemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]types.SessionMessage, error) {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	buf := s.expireLocked(conversationID, cutoff)
	s.mu.Unlock()

	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]types.SessionMessage, len(buf))
	copy(out, buf)
	return out, nil
}

// expireLocked drops expired messages from one conversation. Messages are
// appended in time order, so the live suffix starts at the first
// still-valid timestamp.
func (s *MemoryStore) expireLocked(conversationID string, cutoff time.Time) []types.SessionMessage {
	buf := s.buffers[conversationID]
	start := 0
	for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
		start++
	}
	if start == len(buf) {
		delete(s.buffers, conversationID)
		return nil
	}
	if start > 0 {
		buf = buf[start:]
		s.buffers[conversationID] = buf
	}
	return buf
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for id := range s.buffers {
		before := len(s.buffers[id])
		s.expireLocked(id, cutoff)
		swept += before - len(s.buffers[id])
	}
	if swept > 0 {
		logging.Debug("session", "sweep expired %d message(s)", swept)
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}
