package memory

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	fieldID        = "id"
	fieldContent   = "content"
	fieldCategory  = "category"
	fieldEmbedding = "embedding"
)

// VectorStore wraps a Milvus collection holding memory-entry embeddings.
// The metadata half of each entry (content/category) lives redundantly in
// the state store (store.MemoryEntryMeta) so listing/filtering doesn't need
// a Milvus round trip; this store exists purely for similarity search.
type VectorStore struct {
	cli        client.Client
	collection string
	dims       int
}

// NewVectorStore connects to Milvus and ensures the collection + index
// exist (idempotent: CreateCollection is a no-op if the collection is
// already present with a compatible schema).
func NewVectorStore(ctx context.Context, addr, collection string, dims int) (*VectorStore, error) {
	cli, err := client.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to milvus at %q: %w", addr, err)
	}

	vs := &VectorStore{cli: cli, collection: collection, dims: dims}

	if err := vs.ensureCollection(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) ensureCollection(ctx context.Context) error {
	exists, err := vs.cli.HasCollection(ctx, vs.collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", vs.collection, err)
	}
	if exists {
		return vs.cli.LoadCollection(ctx, vs.collection, false)
	}

	schema := &entity.Schema{
		CollectionName: vs.collection,
		Description:    "brain memory entries",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       fieldCategory,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprint(vs.dims)},
			},
		},
	}

	if err := vs.cli.CreateCollection(ctx, schema, 2); err != nil {
		return fmt.Errorf("create collection %q: %w", vs.collection, err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return fmt.Errorf("build index spec: %w", err)
	}
	if err := vs.cli.CreateIndex(ctx, vs.collection, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("create index on %q: %w", vs.collection, err)
	}

	return vs.cli.LoadCollection(ctx, vs.collection, false)
}

// Insert adds one entry's embedding with its metadata mirrored for
// display purposes (content/category are also stored in the state store).
func (vs *VectorStore) Insert(ctx context.Context, id, content, category string, vector []float32) error {
	idCol := entity.NewColumnVarChar(fieldID, []string{id})
	contentCol := entity.NewColumnVarChar(fieldContent, []string{content})
	categoryCol := entity.NewColumnVarChar(fieldCategory, []string{category})
	vecCol := entity.NewColumnFloatVector(fieldEmbedding, vs.dims, [][]float32{vector})

	if _, err := vs.cli.Insert(ctx, vs.collection, "", idCol, contentCol, categoryCol, vecCol); err != nil {
		return fmt.Errorf("insert memory entry %q: %w", id, err)
	}

	return vs.cli.Flush(ctx, vs.collection, false)
}

// SearchResult is one ranked hit from a similarity search.
type SearchResult struct {
	ID       string
	Content  string
	Category string
	Score    float32
}

// Search returns up to limit entries ordered by descending similarity to
// queryVector, optionally restricted to category (empty means no filter).
func (vs *VectorStore) Search(ctx context.Context, queryVector []float32, limit int, category string) ([]SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("build search param: %w", err)
	}

	expr := ""
	if category != "" {
		expr = fmt.Sprintf("%s == %q", fieldCategory, category)
	}

	results, err := vs.cli.Search(
		ctx, vs.collection, nil, expr,
		[]string{fieldID, fieldContent, fieldCategory},
		[]entity.Vector{entity.FloatVector(queryVector)},
		fieldEmbedding, entity.COSINE, limit, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	res := results[0]
	idCol, _ := res.Fields.GetColumn(fieldID).(*entity.ColumnVarChar)
	contentCol, _ := res.Fields.GetColumn(fieldContent).(*entity.ColumnVarChar)
	categoryCol, _ := res.Fields.GetColumn(fieldCategory).(*entity.ColumnVarChar)

	out := make([]SearchResult, 0, res.ResultCount)
	for i := 0; i < res.ResultCount; i++ {
		var id, content, cat string
		if idCol != nil {
			id, _ = idCol.ValueByIdx(i)
		}
		if contentCol != nil {
			content, _ = contentCol.ValueByIdx(i)
		}
		if categoryCol != nil {
			cat, _ = categoryCol.ValueByIdx(i)
		}

		out = append(out, SearchResult{
			ID:       id,
			Content:  content,
			Category: cat,
			Score:    res.Scores[i],
		})
	}

	return out, nil
}

// Delete removes an entry's embedding by id.
func (vs *VectorStore) Delete(ctx context.Context, id string) error {
	expr := fmt.Sprintf("%s in [%q]", fieldID, id)
	if err := vs.cli.Delete(ctx, vs.collection, "", expr); err != nil {
		return fmt.Errorf("delete memory entry %q: %w", id, err)
	}
	return nil
}

// Close releases the Milvus connection.
func (vs *VectorStore) Close() error {
	return vs.cli.Close()
}
