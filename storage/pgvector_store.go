package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"meetingIntel/core"
)

// PgVectorStore 基于 pgvector 的检索索引
type PgVectorStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPgVectorStore 连接数据库并确保表结构存在
func NewPgVectorStore(ctx context.Context, dbURL string, embedder Embedder) (*PgVectorStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgVectorStore{pool: pool, embedder: embedder}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) ensureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS transcript_chunks (
			transcript_id VARCHAR(64) NOT NULL,
			idx INT NOT NULL,
			version VARCHAR(64) NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			PRIMARY KEY (transcript_id, idx)
		);
	`, s.embedder.Dimension())
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create transcript_chunks table: %w", err)
	}
	// 向量索引在空表上也可以创建，失败只记录
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
		ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
	`); err != nil {
		log.Printf("Warning: failed to create vector index: %v", err)
	}
	return nil
}

func (s *PgVectorStore) Version(ctx context.Context, transcriptID string) (string, bool, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		"SELECT version FROM transcript_chunks WHERE transcript_id = $1 LIMIT 1", transcriptID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query index version: %w", err)
	}
	return version, true, nil
}

// Upsert 在一个事务里替换该转录的全部分块
func (s *PgVectorStore) Upsert(ctx context.Context, transcriptID, version string, docs []core.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if err := checkDim(vectors, s.embedder.Dimension()); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM transcript_chunks WHERE transcript_id = $1", transcriptID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	batch := &pgx.Batch{}
	for i, d := range docs {
		batch.Queue(`
			INSERT INTO transcript_chunks (transcript_id, idx, version, text, embedding)
			VALUES ($1, $2, $3, $4, $5)
		`, transcriptID, d.Index, version, d.Text, pgvector.NewVector(vectors[i]))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PgVectorStore) Search(ctx context.Context, transcriptID, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 3
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT idx, text, 1 - (embedding <=> $1) AS similarity
		FROM transcript_chunks
		WHERE transcript_id = $2
		ORDER BY embedding <=> $1, idx
		LIMIT $3
	`, pgvector.NewVector(vectors[0]), transcriptID, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		var h core.Hit
		if err := rows.Scan(&h.Index, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortHits(hits)
	return hits, nil
}

func (s *PgVectorStore) Drop(ctx context.Context, transcriptID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM transcript_chunks WHERE transcript_id = $1", transcriptID)
	return err
}

func (s *PgVectorStore) Close() error {
	s.pool.Close()
	return nil
}
