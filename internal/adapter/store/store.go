package store

import (
	"context"
	"fmt"

	"parley/internal/domain"
)

// Store is a Repository with the administration calls used to seed agents
// and topics.
type Store interface {
	domain.Repository
	UpsertAgent(ctx context.Context, a domain.AgentConfig) error
	UpsertTopic(ctx context.Context, t domain.Topic) error
	AddParticipant(ctx context.Context, p domain.Participant) error
	RemoveParticipant(ctx context.Context, topicID, participantID string) error
	ListAgents(ctx context.Context) ([]domain.AgentConfig, error)
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Open returns the store for driver ("sqlite" or "memory").
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
