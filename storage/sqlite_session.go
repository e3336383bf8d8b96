package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"meetingIntel/core"
	"meetingIntel/utils"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteSessionStore 基于 SQLite 的持久化存储，删除为软删除
type SQLiteSessionStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// OpenSQLiteSessionStore 打开数据库并初始化表结构
func OpenSQLiteSessionStore(ctx context.Context, path string) (*SQLiteSessionStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接，PRAGMA 对所有操作生效
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteSessionStore{db: db, locks: newKeyedMutex()}, nil
}

func (s *SQLiteSessionStore) Create(ctx context.Context, t *core.Transcript) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := utils.NewID()
		rec := prepareNew(t, id)
		utterances, mapping, err := encodeTranscript(rec)
		if err != nil {
			return "", err
		}
		// 主键冲突时重新生成 id，已删除的行同样占用主键
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO transcripts (id, utterances, speaker_mapping, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, utterances, mapping, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
		if err != nil {
			return "", fmt.Errorf("insert transcript: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique transcript id")
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*core.Transcript, error) {
	return s.get(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteSessionStore) get(ctx context.Context, q queryRower, id string) (*core.Transcript, error) {
	var utterances, mapping string
	var created, updated int64
	err := q.QueryRowContext(ctx, `
		SELECT utterances, speaker_mapping, created_at, updated_at
		FROM transcripts WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&utterances, &mapping, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return decodeTranscript(id, utterances, mapping, created, updated)
}

func (s *SQLiteSessionStore) Update(ctx context.Context, id string, mutate func(*core.Transcript) error) (*core.Transcript, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id)
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
	if _, err := tx.ExecContext(ctx, `
		UPDATE transcripts SET utterances = ?, speaker_mapping = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, utterances, mapping, next.UpdatedAt.UnixNano(), id); err != nil {
		return nil, fmt.Errorf("update transcript: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transcripts SET deleted_at = ?, utterances = '[]', speaker_mapping = '{}'
		WHERE id = ? AND deleted_at IS NULL
	`, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound(id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chat_turns WHERE transcript_id = ?", id); err != nil {
		return fmt.Errorf("delete chat turns: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) AppendChatTurn(ctx context.Context, id string, turn core.ChatTurn) (*core.ChatSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.exists(ctx, tx, id); err != nil {
		return nil, err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_turns (transcript_id, question, answer, created_at) VALUES (?, ?, ?, ?)
	`, id, turn.Query, turn.Answer, turn.Timestamp.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert chat turn: %w", err)
	}
	sess, err := s.history(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

func (s *SQLiteSessionStore) ChatSession(ctx context.Context, id string) (*core.ChatSession, error) {
	if err := s.exists(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.history(ctx, s.db, id)
}

func (s *SQLiteSessionStore) exists(ctx context.Context, q queryRower, id string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM transcripts WHERE id = ? AND deleted_at IS NULL", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound(id)
	}
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteSessionStore) history(ctx context.Context, q queryer, id string) (*core.ChatSession, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question, answer, created_at FROM chat_turns WHERE transcript_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()

	sess := &core.ChatSession{TranscriptID: id, History: []core.ChatTurn{}}
	for rows.Next() {
		var turn core.ChatTurn
		var ts int64
		if err := rows.Scan(&turn.Query, &turn.Answer, &ts); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.Timestamp = time.Unix(0, ts).UTC()
		sess.History = append(sess.History, turn)
	}
	return sess, rows.Err()
}

func (s *SQLiteSessionStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transcripts WHERE deleted_at IS NULL AND created_at < ? ORDER BY id
	`, before.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

func encodeTranscript(t *core.Transcript) (string, string, error) {
	utterances := t.Utterances
	if utterances == nil {
		utterances = []core.Utterance{}
	}
	u, err := json.Marshal(utterances)
	if err != nil {
		return "", "", fmt.Errorf("encode utterances: %w", err)
	}
	mapping := t.SpeakerMapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	m, err := json.Marshal(mapping)
	if err != nil {
		return "", "", fmt.Errorf("encode speaker mapping: %w", err)
	}
	return string(u), string(m), nil
}

func decodeTranscript(id, utterances, mapping string, created, updated int64) (*core.Transcript, error) {
	t := &core.Transcript{
		ID:        id,
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	if err := json.Unmarshal([]byte(utterances), &t.Utterances); err != nil {
		return nil, fmt.Errorf("decode utterances: %w", err)
	}
	if err := json.Unmarshal([]byte(mapping), &t.SpeakerMapping); err != nil {
		return nil, fmt.Errorf("decode speaker mapping: %w", err)
	}
	if t.SpeakerMapping == nil {
		t.SpeakerMapping = map[string]string{}
	}
	return t, nil
}
