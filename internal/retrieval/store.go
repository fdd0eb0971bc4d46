package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps exemplar embeddings in the exemplar_vectors table and
// ranks them with a brute-force cosine scan.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The exemplar_vectors table must
// already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const vectorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) Upsert(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO exemplar_vectors (id, exemplar_id, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(exemplar_id) DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.Exec(r.ID, r.ExemplarID, encodeFloat32s(r.Embedding), createdAt.UTC().Format(vectorTimeLayout)); err != nil {
			return fmt.Errorf("upserting vector for %s: %w", r.ExemplarID, err)
		}
	}
	return tx.Commit()
}

// Search scans every stored vector once, keeping the best topK in a
// min-heap. Vectors whose dimension differs from the query score zero.
func (s *SQLiteStore) Search(vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT id, exemplar_id, embedding, created_at FROM exemplar_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &scoredHeap{}
	heap.Init(h)

	// Reused across rows; only winners get their own copy.
	var buf []float32

	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ExemplarID, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ExemplarID, err)
		}
		score := cosine(vector, buf, queryNorm)

		if h.Len() >= topK && !outranks(score, r.ExemplarID, (*h)[0]) {
			continue
		}
		r.Embedding = append([]float32(nil), buf...)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ExemplarID, err)
		}
		if h.Len() < topK {
			heap.Push(h, ScoredRecord{Record: r, Score: score})
		} else {
			(*h)[0] = ScoredRecord{Record: r, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	results := []ScoredRecord(*h)
	sort.Slice(results, func(i, j int) bool {
		return outranks(results[i].Score, results[i].ExemplarID, results[j])
	})
	return results, nil
}

// outranks orders by score descending, then exemplar ID ascending, so equal
// scores rank deterministically.
func outranks(score float32, exemplarID string, other ScoredRecord) bool {
	if score != other.Score {
		return score > other.Score
	}
	return exemplarID < other.ExemplarID
}

func (s *SQLiteStore) Delete(exemplarID string) error {
	res, err := s.db.Exec(`DELETE FROM exemplar_vectors WHERE exemplar_id = ?`, exemplarID)
	if err != nil {
		return fmt.Errorf("deleting vector %s: %w", exemplarID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vector for exemplar %s not found", exemplarID)
	}
	return nil
}

func (s *SQLiteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exemplar_vectors`).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when
// needed. A length that is not a multiple of 4 means a corrupt row.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

// scoredHeap is a min-heap whose root is the weakest of the current top-K.
type scoredHeap []ScoredRecord

func (h scoredHeap) Len() int { return len(h) }
func (h scoredHeap) Less(i, j int) bool {
	return outranks(h[j].Score, h[j].ExemplarID, h[i])
}
func (h scoredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)   { *h = append(*h, x.(ScoredRecord)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
