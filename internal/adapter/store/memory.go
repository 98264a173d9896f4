// Package store implements domain.Repository in memory and on SQLite.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/idgen"
)

// MemoryStore is an in-process Repository used by tests and the memory
// store driver.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]domain.AgentConfig
	topics       map[string]domain.Topic
	participants map[string][]domain.Participant
	messages     map[string][]domain.Message
}

var _ domain.Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]domain.AgentConfig),
		topics:       make(map[string]domain.Topic),
		participants: make(map[string][]domain.Participant),
		messages:     make(map[string][]domain.Message),
	}
}

// UpsertAgent creates or replaces an agent row.
func (s *MemoryStore) UpsertAgent(_ context.Context, a domain.AgentConfig) error {
	if a.ID == "" {
		return domain.NewDomainError("MemoryStore.UpsertAgent", domain.ErrInvalidInput, "empty agent id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

// UpsertTopic creates or replaces a topic row.
func (s *MemoryStore) UpsertTopic(_ context.Context, t domain.Topic) error {
	if t.ID == "" {
		return domain.NewDomainError("MemoryStore.UpsertTopic", domain.ErrInvalidInput, "empty topic id")
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.topics[t.ID]; ok {
		t.CreatedAt = old.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.topics[t.ID] = t
	return nil
}

// AddParticipant adds a member to a topic; adding twice is a no-op.
func (s *MemoryStore) AddParticipant(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[p.TopicID]; !ok {
		return domain.NewDomainError("MemoryStore.AddParticipant", domain.ErrTopicNotFound, p.TopicID)
	}
	for _, existing := range s.participants[p.TopicID] {
		if existing.ID == p.ID {
			return nil
		}
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	s.participants[p.TopicID] = append(s.participants[p.TopicID], p)
	return nil
}

// RemoveParticipant removes a member from a topic.
func (s *MemoryStore) RemoveParticipant(_ context.Context, topicID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.participants[topicID]
	for i, p := range list {
		if p.ID == participantID {
			s.participants[topicID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return domain.NewDomainError("MemoryStore.RemoveParticipant", domain.ErrNotFound, participantID)
}

// ListAgents returns every agent sorted by id.
func (s *MemoryStore) ListAgents(_ context.Context) ([]domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentConfig, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindAgentConfig(_ context.Context, agentID string) (*domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.FindAgentConfig", domain.ErrAgentNotFound, agentID)
	}
	return &a, nil
}

func (s *MemoryStore) PersistMessage(_ context.Context, d domain.NewMessageDraft) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[d.TopicID]; !ok {
		return nil, domain.NewDomainError("MemoryStore.PersistMessage", domain.ErrTopicNotFound, d.TopicID)
	}
	now := time.Now().UTC()
	msg := domain.Message{
		ID:         idgen.At(now),
		TopicID:    d.TopicID,
		SenderID:   d.SenderID,
		SenderType: d.SenderType,
		Content:    d.Content,
		Role:       d.Role,
		Mentions:   append([]string(nil), d.Mentions...),
		Ext:        d.Ext,
		CreatedAt:  now,
	}
	s.messages[d.TopicID] = append(s.messages[d.TopicID], msg)
	return &msg, nil
}

func (s *MemoryStore) GetParticipants(_ context.Context, topicID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.topics[topicID]; !ok {
		return nil, domain.NewDomainError("MemoryStore.GetParticipants", domain.ErrTopicNotFound, topicID)
	}
	return append([]domain.Participant(nil), s.participants[topicID]...), nil
}

func (s *MemoryStore) GetTopic(_ context.Context, topicID string) (*domain.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[topicID]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.GetTopic", domain.ErrTopicNotFound, topicID)
	}
	return &t, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, topicID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[topicID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (s *MemoryStore) MessagesUpTo(_ context.Context, topicID, messageID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[topicID]
	end := slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == messageID })
	if end < 0 {
		return nil, domain.NewDomainError("MemoryStore.MessagesUpTo", domain.ErrNotFound, messageID)
	}
	msgs = msgs[:end+1]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
