package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meetingIntel/core"
	"meetingIntel/utils"
)

// PgSessionStore 基于 PostgreSQL 的会话存储，多实例部署时共享
type PgSessionStore struct {
	pool  *pgxpool.Pool
	locks *keyedMutex
}

func NewPgSessionStore(ctx context.Context, dbURL string) (*PgSessionStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgSessionStore{pool: pool, locks: newKeyedMutex()}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgSessionStore) ensureTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			id VARCHAR(64) PRIMARY KEY,
			utterances JSONB NOT NULL,
			speaker_mapping JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_created_at ON transcripts(created_at);`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id BIGSERIAL PRIMARY KEY,
			transcript_id VARCHAR(64) NOT NULL REFERENCES transcripts(id),
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_transcript ON chat_turns(transcript_id, id);`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create session tables: %w", err)
		}
	}
	return nil
}

func (s *PgSessionStore) Create(ctx context.Context, t *core.Transcript) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := utils.NewID()
		rec := prepareNew(t, id)
		utterances, mapping, err := encodeTranscript(rec)
		if err != nil {
			return "", err
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO transcripts (id, utterances, speaker_mapping, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, id, utterances, mapping, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return "", fmt.Errorf("insert transcript: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique transcript id")
}

func (s *PgSessionStore) Get(ctx context.Context, id string) (*core.Transcript, error) {
	return s.get(ctx, s.pool, id, false)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PgSessionStore) get(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*core.Transcript, error) {
	query := `
		SELECT utterances::text, speaker_mapping::text, created_at, updated_at
		FROM transcripts WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var utterances, mapping string
	var created, updated time.Time
	err := q.QueryRow(ctx, query, id).Scan(&utterances, &mapping, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return decodeTranscript(id, utterances, mapping, created.UnixNano(), updated.UnixNano())
}

func (s *PgSessionStore) Update(ctx context.Context, id string, mutate func(*core.Transcript) error) (*core.Transcript, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 行锁，多实例之间同样串行
	current, err := s.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	utterances, mapping, err := encodeTranscript(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE transcripts SET utterances = $1, speaker_mapping = $2, updated_at = $3 WHERE id = $4
	`, utterances, mapping, next.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("update transcript: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *PgSessionStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transcripts SET deleted_at = $1, utterances = '[]'::jsonb, speaker_mapping = '{}'::jsonb
		WHERE id = $2 AND deleted_at IS NULL
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NotFound(id)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM chat_turns WHERE transcript_id = $1", id); err != nil {
		return fmt.Errorf("delete chat turns: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PgSessionStore) AppendChatTurn(ctx context.Context, id string, turn core.ChatTurn) (*core.ChatSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.get(ctx, tx, id, true); err != nil {
		return nil, err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_turns (transcript_id, question, answer, created_at) VALUES ($1, $2, $3, $4)
	`, id, turn.Query, turn.Answer, turn.Timestamp); err != nil {
		return nil, fmt.Errorf("insert chat turn: %w", err)
	}
	sess, err := s.history(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

func (s *PgSessionStore) ChatSession(ctx context.Context, id string) (*core.ChatSession, error) {
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1 FROM transcripts WHERE id = $1 AND deleted_at IS NULL", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return s.history(ctx, s.pool, id)
}

func (s *PgSessionStore) history(ctx context.Context, q pgQuerier, id string) (*core.ChatSession, error) {
	rows, err := q.Query(ctx, `
		SELECT question, answer, created_at FROM chat_turns WHERE transcript_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()

	sess := &core.ChatSession{TranscriptID: id, History: []core.ChatTurn{}}
	for rows.Next() {
		var turn core.ChatTurn
		if err := rows.Scan(&turn.Query, &turn.Answer, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.Timestamp = turn.Timestamp.UTC()
		sess.History = append(sess.History, turn)
	}
	return sess, rows.Err()
}

func (s *PgSessionStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM transcripts WHERE deleted_at IS NULL AND created_at < $1 ORDER BY id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return ids, nil
}

func (s *PgSessionStore) Close() error {
	s.pool.Close()
	return nil
}
