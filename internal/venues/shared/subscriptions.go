package shared

import (
	"sort"
	"sync"
	"time"
)

type pendingAck struct {
	topics []string
	sentAt time.Time
}

// SubscriptionSet tracks the desired exchange topics for one stream together
// with per-request acknowledgement state. Desired topics survive reconnects
// so the session can be replayed; acked and pending state is per session.
type SubscriptionSet struct {
	mu      sync.Mutex
	desired map[string]struct{}
	acked   map[string]struct{}
	pending map[string]pendingAck
}

// NewSubscriptionSet constructs an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{
		desired: make(map[string]struct{}),
		acked:   make(map[string]struct{}),
		pending: make(map[string]pendingAck),
	}
}

// Add records topics as desired and returns the ones that were not already
// tracked, in input order.
func (s *SubscriptionSet) Add(topics ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if _, ok := s.desired[topic]; ok {
			continue
		}
		s.desired[topic] = struct{}{}
		added = append(added, topic)
	}
	return added
}

// Remove drops topics from the desired and acked sets, returning the ones
// that were tracked.
func (s *SubscriptionSet) Remove(topics ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := s.desired[topic]; !ok {
			continue
		}
		delete(s.desired, topic)
		delete(s.acked, topic)
		removed = append(removed, topic)
	}
	return removed
}

// MarkPending records an outstanding subscribe request awaiting a venue ack.
func (s *SubscriptionSet) MarkPending(reqID string, topics []string, sentAt time.Time) {
	if reqID == "" || len(topics) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]string, len(topics))
	copy(snapshot, topics)
	s.pending[reqID] = pendingAck{topics: snapshot, sentAt: sentAt}
}

// Ack resolves a pending request, promoting its topics to acked.
func (s *SubscriptionSet) Ack(reqID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[reqID]
	if !ok {
		return nil, false
	}
	delete(s.pending, reqID)
	for _, topic := range req.topics {
		s.acked[topic] = struct{}{}
	}
	return req.topics, true
}

// Reject resolves a pending request the venue refused. The topics leave the
// desired set so the failure does not replay on every reconnect.
func (s *SubscriptionSet) Reject(reqID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[reqID]
	if !ok {
		return nil, false
	}
	delete(s.pending, reqID)
	for _, topic := range req.topics {
		delete(s.desired, topic)
		delete(s.acked, topic)
	}
	return req.topics, true
}

// ExpiredPending returns the request ids whose acks have been outstanding
// longer than timeout.
func (s *SubscriptionSet) ExpiredPending(now time.Time, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for reqID, req := range s.pending {
		if now.Sub(req.sentAt) >= timeout {
			expired = append(expired, reqID)
		}
	}
	sort.Strings(expired)
	return expired
}

// ResetSession clears per-session ack state and returns the desired topics
// for replay, sorted for deterministic subscribe frames.
func (s *SubscriptionSet) ResetSession() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acked = make(map[string]struct{})
	s.pending = make(map[string]pendingAck)

	topics := make([]string, 0, len(s.desired))
	for topic := range s.desired {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Desired returns the sorted desired topic set.
func (s *SubscriptionSet) Desired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.desired))
	for topic := range s.desired {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Acked returns the sorted topics confirmed by the venue this session.
func (s *SubscriptionSet) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.acked))
	for topic := range s.acked {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// PendingCount returns the number of requests awaiting acknowledgement.
func (s *SubscriptionSet) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
