package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps people as rows with a JSONB conversation set and
// conversations as whole JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS people (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			conversations JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_people_name_created ON people (name, created_at);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertPerson(ctx context.Context, p Person) (string, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	convs, err := json.Marshal(dedupe(p.Conversations))
	if err != nil {
		return "", fmt.Errorf("encode person conversations: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO people (id, name, role, conversations) VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Name, p.Role, string(convs),
	)
	if err != nil {
		return "", fmt.Errorf("insert person: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("insert person %s: %w", p.ID, ErrWriteRejected)
	}
	return p.ID, nil
}

func (s *PostgresStore) InsertConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	doc, err := json.Marshal(cloneConversation(c))
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, doc) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO NOTHING`,
		c.ID, string(doc),
	)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("insert conversation %s: %w", c.ID, ErrWriteRejected)
	}
	return c.ID, nil
}

const personColumns = `id, name, role, conversations`

func (s *PostgresStore) GetPerson(ctx context.Context, ref PersonRef) (Person, error) {
	var row pgx.Row
	if ref.ID != "" {
		row = s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM people WHERE id=$1`, ref.ID)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT `+personColumns+` FROM people WHERE name=$1 ORDER BY created_at, id LIMIT 1`, ref.Name)
	}
	p, err := scanPerson(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Person{}, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return Person{}, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPeople(ctx context.Context) ([]Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+personColumns+` FROM people ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query people: %w", err)
	}
	defer rows.Close()

	out := make([]Person, 0)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT doc FROM conversations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, `SELECT doc FROM conversations ORDER BY created_at, id`)
}

func (s *PostgresStore) ConversationsByID(ctx context.Context, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return []Conversation{}, nil
	}
	found, err := s.queryConversations(ctx, `SELECT doc FROM conversations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, found), nil
}

func (s *PostgresStore) queryConversations(ctx context.Context, sql string, args ...any) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddConversationToPerson(ctx context.Context, ref PersonRef, conversationID string) (bool, error) {
	id, err := s.resolveID(ctx, ref)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE people SET conversations = conversations || to_jsonb($2::text)
		 WHERE id=$1 AND NOT (conversations ? $2::text)`,
		id, conversationID,
	)
	if err != nil {
		return false, fmt.Errorf("link conversation %s to person %s: %w", conversationID, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdatePerson(ctx context.Context, ref PersonRef, patch PersonPatch) (bool, error) {
	id, err := s.resolveID(ctx, ref)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE people SET name=COALESCE($2::text, name), role=COALESCE($3::text, role)
		 WHERE id=$1 AND (name IS DISTINCT FROM COALESCE($2::text, name) OR role IS DISTINCT FROM COALESCE($3::text, role))`,
		id, patch.Name, patch.Role,
	)
	if err != nil {
		return false, fmt.Errorf("update person %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) resolveID(ctx context.Context, ref PersonRef) (string, error) {
	var (
		id  string
		err error
	)
	if ref.ID != "" {
		err = s.pool.QueryRow(ctx, `SELECT id FROM people WHERE id=$1`, ref.ID).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM people WHERE name=$1 ORDER BY created_at, id LIMIT 1`, ref.Name).Scan(&id)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve person %s: %w", ref, err)
	}
	return id, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPerson(row pgx.Row) (Person, error) {
	var (
		p     Person
		convs []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Role, &convs); err != nil {
		return Person{}, err
	}
	if err := json.Unmarshal(convs, &p.Conversations); err != nil {
		return Person{}, fmt.Errorf("decode person conversations: %w", err)
	}
	return clonePerson(p), nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := json.Unmarshal(doc, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return cloneConversation(c), nil
}
