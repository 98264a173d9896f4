package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"parley/internal/domain"
	"parley/internal/infra/idgen"
)

// SQLiteStore implements domain.Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.Repository = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for concurrent reads while actors persist replies.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			model          TEXT NOT NULL DEFAULT '',
			provider       TEXT NOT NULL DEFAULT '',
			persona        TEXT NOT NULL DEFAULT '',
			trigger_mode   TEXT NOT NULL DEFAULT 'mention',
			max_iterations INTEGER NOT NULL DEFAULT 0,
			tools          TEXT NOT NULL DEFAULT '[]'
		);
		CREATE TABLE IF NOT EXISTS topics (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL DEFAULT '',
			session_type TEXT NOT NULL DEFAULT 'group',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS participants (
			topic_id         TEXT NOT NULL,
			participant_id   TEXT NOT NULL,
			participant_type TEXT NOT NULL,
			joined_at        TEXT NOT NULL,
			PRIMARY KEY (topic_id, participant_id)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			topic_id    TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			content     TEXT NOT NULL,
			role        TEXT NOT NULL,
			mentions    TEXT NOT NULL DEFAULT '[]',
			ext         TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages (topic_id, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertAgent creates or replaces an agent row.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a domain.AgentConfig) error {
	if a.ID == "" {
		return domain.NewDomainError("SQLiteStore.UpsertAgent", domain.ErrInvalidInput, "empty agent id")
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("marshal agent tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, model, provider, persona, trigger_mode, max_iterations, tools)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, model = excluded.model, provider = excluded.provider,
			persona = excluded.persona, trigger_mode = excluded.trigger_mode,
			max_iterations = excluded.max_iterations, tools = excluded.tools`,
		a.ID, a.Name, a.Model, a.Provider, a.Persona, string(a.TriggerMode), a.MaxIterations, string(tools),
	)
	return domain.WrapOp("SQLiteStore.UpsertAgent", err)
}

// ListAgents returns every agent sorted by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, model, provider, persona, trigger_mode, max_iterations, tools FROM agents ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.AgentConfig
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) FindAgentConfig(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, model, provider, persona, trigger_mode, max_iterations, tools FROM agents WHERE id = ?", agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.FindAgentConfig", domain.ErrAgentNotFound, agentID)
	}
	return a, err
}

// UpsertTopic creates a topic or updates its title and session type.
func (s *SQLiteStore) UpsertTopic(ctx context.Context, t domain.Topic) error {
	if t.ID == "" {
		return domain.NewDomainError("SQLiteStore.UpsertTopic", domain.ErrInvalidInput, "empty topic id")
	}
	if t.SessionType == "" {
		t.SessionType = domain.SessionGroup
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, title, session_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, session_type = excluded.session_type, updated_at = excluded.updated_at`,
		t.ID, t.Title, string(t.SessionType), now, now,
	)
	return domain.WrapOp("SQLiteStore.UpsertTopic", err)
}

func (s *SQLiteStore) GetTopic(ctx context.Context, topicID string) (*domain.Topic, error) {
	var t domain.Topic
	var sessionType, createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, session_type, created_at, updated_at FROM topics WHERE id = ?", topicID,
	).Scan(&t.ID, &t.Title, &sessionType, &createdStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.GetTopic", domain.ErrTopicNotFound, topicID)
	}
	if err != nil {
		return nil, err
	}
	t.SessionType = domain.SessionType(sessionType)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &t, nil
}

// AddParticipant adds a member to a topic; adding twice is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p domain.Participant) error {
	if _, err := s.GetTopic(ctx, p.TopicID); err != nil {
		return err
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (topic_id, participant_id, participant_type, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(topic_id, participant_id) DO NOTHING`,
		p.TopicID, p.ID, string(p.Type), p.JoinedAt.Format(time.RFC3339Nano),
	)
	return domain.WrapOp("SQLiteStore.AddParticipant", err)
}

// RemoveParticipant removes a member from a topic.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, topicID, participantID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM participants WHERE topic_id = ? AND participant_id = ?", topicID, participantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("SQLiteStore.RemoveParticipant", domain.ErrNotFound, participantID)
	}
	return nil
}

func (s *SQLiteStore) GetParticipants(ctx context.Context, topicID string) ([]domain.Participant, error) {
	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT topic_id, participant_id, participant_type, joined_at FROM participants WHERE topic_id = ? ORDER BY joined_at, participant_id",
		topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var kind, joined string
		if err := rows.Scan(&p.TopicID, &p.ID, &kind, &joined); err != nil {
			return nil, err
		}
		p.Type = domain.SenderType(kind)
		p.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PersistMessage(ctx context.Context, d domain.NewMessageDraft) (*domain.Message, error) {
	if _, err := s.GetTopic(ctx, d.TopicID); err != nil {
		return nil, err
	}
	mentions, err := json.Marshal(nonNil(d.Mentions))
	if err != nil {
		return nil, fmt.Errorf("marshal mentions: %w", err)
	}
	ext, err := json.Marshal(d.Ext)
	if err != nil {
		return nil, fmt.Errorf("marshal ext: %w", err)
	}

	now := time.Now().UTC()
	msg := &domain.Message{
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, topic_id, sender_id, sender_type, content, role, mentions, ext, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TopicID, msg.SenderID, string(msg.SenderType), msg.Content, msg.Role,
		string(mentions), string(ext), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.PersistMessage", err)
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, topicID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMessages(ctx, `
		SELECT id, topic_id, sender_id, sender_type, content, role, mentions, ext, created_at
		FROM messages WHERE topic_id = ? ORDER BY id DESC LIMIT ?`, topicID, limit)
}

func (s *SQLiteStore) MessagesUpTo(ctx context.Context, topicID, messageID string, limit int) ([]domain.Message, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE topic_id = ? AND id = ?`, topicID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.MessagesUpTo", domain.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.MessagesUpTo", err)
	}
	if limit <= 0 {
		limit = -1
	}
	// ids are ULIDs, so id order is persistence order.
	return s.queryMessages(ctx, `
		SELECT id, topic_id, sender_id, sender_type, content, role, mentions, ext, created_at
		FROM messages WHERE topic_id = ? AND id <= ? ORDER BY id DESC LIMIT ?`, topicID, messageID, limit)
}

// queryMessages runs a newest-first message query and returns the rows
// oldest first.
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var senderType, mentions, ext, created string
		if err := rows.Scan(&m.ID, &m.TopicID, &m.SenderID, &senderType, &m.Content, &m.Role, &mentions, &ext, &created); err != nil {
			return nil, err
		}
		m.SenderType = domain.SenderType(senderType)
		if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
			return nil, fmt.Errorf("unmarshal mentions: %w", err)
		}
		if len(m.Mentions) == 0 {
			m.Mentions = nil
		}
		if err := json.Unmarshal([]byte(ext), &m.Ext); err != nil {
			return nil, fmt.Errorf("unmarshal ext: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.AgentConfig, error) {
	var a domain.AgentConfig
	var trigger, tools string
	if err := row.Scan(&a.ID, &a.Name, &a.Model, &a.Provider, &a.Persona, &trigger, &a.MaxIterations, &tools); err != nil {
		return nil, err
	}
	a.TriggerMode = domain.TriggerMode(trigger)
	if err := json.Unmarshal([]byte(tools), &a.Tools); err != nil {
		return nil, fmt.Errorf("unmarshal agent tools: %w", err)
	}
	if len(a.Tools) == 0 {
		a.Tools = nil
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
