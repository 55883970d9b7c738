package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

// VectorRecord holds an embedding for a record.
type VectorRecord struct {
	RecordID   string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	if n == 0 {
		return nil
	}
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

func saveVector(ctx context.Context, q execer, recordID string, embedding []float64, modelName string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := q.ExecContext(ctx, `
		INSERT INTO record_vectors (record_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, recordID, blob, modelName, len(embedding), now)
	return err
}

// SaveVector stores or replaces the embedding for a record.
func (db *DB) SaveVector(ctx context.Context, recordID string, embedding []float64, modelName string) error {
	if err := saveVector(ctx, db, recordID, embedding, modelName); err != nil {
		return model.Unavailable("save vector", err)
	}
	return nil
}

// GetVector returns the embedding for a record, or nil if not found.
func (db *DB) GetVector(ctx context.Context, recordID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT record_id, embedding, model, dimensions, created_at
		FROM record_vectors WHERE record_id = ?
	`, recordID).Scan(&v.RecordID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get vector", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// DeleteVector removes the embedding for a record.
func (db *DB) DeleteVector(ctx context.Context, recordID string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM record_vectors WHERE record_id = ?", recordID)
	if err != nil {
		return model.Unavailable("delete vector", fmt.Errorf("record %s: %w", recordID, err))
	}
	return nil
}
