package storage

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"meetingIntel/core"
)

// MilvusOptions Milvus 连接参数，APIKey 用于 Zilliz Cloud
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	APIKey     string
	Collection string
}

// MilvusVectorStore 基于 Milvus 的检索索引，HNSW + COSINE
type MilvusVectorStore struct {
	mc       client.Client
	coll     string
	dim      int
	embedder Embedder
}

func NewMilvusVectorStore(ctx context.Context, opts MilvusOptions, embedder Embedder) (*MilvusVectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "transcript_utterances"
	}
	mc, err := client.NewClient(ctx, client.Config{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		APIKey:   opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusVectorStore{mc: mc, coll: opts.Collection, dim: embedder.Dimension(), embedder: embedder}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusVectorStore) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll)
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("transcript_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("idx").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("version").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusVectorStore) filter(transcriptID string) string {
	return fmt.Sprintf("transcript_id == \"%s\"", escapeFilter(transcriptID))
}

func (s *MilvusVectorStore) Version(ctx context.Context, transcriptID string) (string, bool, error) {
	res, err := s.mc.Query(ctx, s.coll, []string{}, s.filter(transcriptID), []string{"version"})
	if err != nil {
		return "", false, fmt.Errorf("query index version: %w", err)
	}
	for _, col := range res {
		if col.Name() != "version" {
			continue
		}
		if c, ok := col.(*entity.ColumnVarChar); ok && len(c.Data()) > 0 {
			return c.Data()[0], true, nil
		}
	}
	return "", false, nil
}

// Upsert 先删除旧分块再插入，Milvus 没有跨操作事务
func (s *MilvusVectorStore) Upsert(ctx context.Context, transcriptID, version string, docs []core.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if err := checkDim(vectors, s.dim); err != nil {
		return err
	}
	if err := s.Drop(ctx, transcriptID); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	indexes := make([]int64, len(docs))
	versions := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = transcriptID
		indexes[i] = int64(d.Index)
		versions[i] = version
	}
	_, err = s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("transcript_id", ids),
		entity.NewColumnInt64("idx", indexes),
		entity.NewColumnVarChar("version", versions),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if err := s.mc.Flush(ctx, s.coll, false); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (s *MilvusVectorStore) Search(ctx context.Context, transcriptID, query string, topK int) ([]core.Hit, error) {
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

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, s.coll, []string{}, s.filter(transcriptID), []string{"idx", "text"},
		[]entity.Vector{entity.FloatVector(vectors[0])}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []core.Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			h := core.Hit{Score: float64(r.Scores[i])}
			if c, ok := cols["idx"].(*entity.ColumnInt64); ok {
				if data := c.Data(); i < len(data) {
					h.Index = int(data[i])
				}
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					h.Text = data[i]
				}
			}
			hits = append(hits, h)
		}
	}
	SortHits(hits)
	return hits, nil
}

func (s *MilvusVectorStore) Drop(ctx context.Context, transcriptID string) error {
	if err := s.mc.Delete(ctx, s.coll, "", s.filter(transcriptID)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *MilvusVectorStore) Close() error {
	return s.mc.Close()
}
