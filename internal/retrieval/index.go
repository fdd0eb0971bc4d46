package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/storage"
)

// ExemplarSource is the slice of the store the index reads exemplar bodies from.
type ExemplarSource interface {
	SaveExemplar(e storage.Exemplar) (string, error)
	GetExemplarsByIDs(ids []string) ([]storage.Exemplar, error)
	ListUnvectorizedExemplars(limit int) ([]storage.Exemplar, error)
	CountExemplars() (int, error)
}

// Match is a ranked exemplar. Score is zero for fallback results.
type Match struct {
	Exemplar storage.Exemplar
	Score    float32
}

// Result is the outcome of a nearest-neighbour query. Fallback is set when
// no exemplar has a vector and Matches holds the most recent unvectorized
// exemplars instead of ranked ones.
type Result struct {
	Matches  []Match
	Fallback bool
}

// Exemplars returns the matched exemplars in rank order.
func (r Result) Exemplars() []storage.Exemplar {
	out := make([]storage.Exemplar, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.Exemplar
	}
	return out
}

// ExemplarIndex is the embedding index over past replies used as style
// examples.
type ExemplarIndex struct {
	source  ExemplarSource
	vectors VectorStore
}

func NewExemplarIndex(source ExemplarSource, vectors VectorStore) *ExemplarIndex {
	return &ExemplarIndex{source: source, vectors: vectors}
}

// Index stores an exemplar and, when vector is non-nil, its embedding.
// Exemplars are immutable: indexing the same message again keeps the first
// body but refreshes the vector. Returns the stored exemplar ID.
func (ix *ExemplarIndex) Index(ctx context.Context, ex storage.Exemplar, vector []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	id, err := ix.source.SaveExemplar(ex)
	if err != nil {
		return "", fmt.Errorf("saving exemplar: %w", err)
	}
	if len(vector) == 0 {
		return id, nil
	}
	if err := ix.vectors.Upsert([]Record{{ID: uuid.New().String(), ExemplarID: id, Embedding: vector}}); err != nil {
		return "", fmt.Errorf("storing exemplar vector: %w", err)
	}
	return id, nil
}

// QueryNearest returns up to k exemplars ranked by cosine similarity to
// vector. Exemplars without a vector never rank. When no vectors exist at
// all, or vector is empty, the most recent unvectorized exemplars are
// returned with Fallback set.
func (ix *ExemplarIndex) QueryNearest(ctx context.Context, vector []float32, k int) (Result, error) {
	if k <= 0 {
		return Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	n, err := ix.vectors.Count()
	if err != nil {
		return Result{}, fmt.Errorf("counting vectors: %w", err)
	}
	if n == 0 || len(vector) == 0 {
		return ix.fallback(k)
	}

	scored, err := ix.vectors.Search(vector, k)
	if err != nil {
		return Result{}, fmt.Errorf("searching vectors: %w", err)
	}
	if len(scored) == 0 {
		return Result{}, nil
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.ExemplarID
	}
	exemplars, err := ix.source.GetExemplarsByIDs(ids)
	if err != nil {
		return Result{}, fmt.Errorf("loading exemplars: %w", err)
	}
	byID := make(map[string]storage.Exemplar, len(exemplars))
	for _, e := range exemplars {
		byID[e.ID] = e
	}

	res := Result{Matches: make([]Match, 0, len(scored))}
	for _, s := range scored {
		e, ok := byID[s.ExemplarID]
		if !ok {
			// Vector outlived its exemplar.
			continue
		}
		res.Matches = append(res.Matches, Match{Exemplar: e, Score: s.Score})
	}
	return res, nil
}

func (ix *ExemplarIndex) fallback(k int) (Result, error) {
	recent, err := ix.source.ListUnvectorizedExemplars(k)
	if err != nil {
		return Result{}, fmt.Errorf("listing unvectorized exemplars: %w", err)
	}
	res := Result{Fallback: true, Matches: make([]Match, len(recent))}
	for i, e := range recent {
		res.Matches[i] = Match{Exemplar: e}
	}
	return res, nil
}

// Count returns the number of exemplars, vectorized or not.
func (ix *ExemplarIndex) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return ix.source.CountExemplars()
}

// Backfill embeds up to limit unvectorized exemplars and returns how many
// were vectorized.
func (ix *ExemplarIndex) Backfill(ctx context.Context, embedder *Embedder, limit int) (int, error) {
	pending, err := ix.source.ListUnvectorizedExemplars(limit)
	if err != nil {
		return 0, fmt.Errorf("listing unvectorized exemplars: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, e := range pending {
		texts[i] = e.Body
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	records := make([]Record, len(pending))
	for i, e := range pending {
		records[i] = Record{ID: uuid.New().String(), ExemplarID: e.ID, Embedding: vecs[i]}
	}
	if err := ix.vectors.Upsert(records); err != nil {
		return 0, fmt.Errorf("storing vectors: %w", err)
	}
	return len(records), nil
}
