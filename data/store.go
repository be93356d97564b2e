// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package data implements the training data plane: a SQLite-backed store of
// serialized (image, captions) examples, the vocabulary and tokenizer, the
// word-masking transform, a prefetching batcher, and the VOC07 annotation
// reader for downstream evaluation.
package data

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	_ "github.com/mattn/go-sqlite3"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Example is one pretraining sample: an image grid and its captions.
type Example struct {
	ID       int64
	Image    *tensor.Tensor // [height, width, channels]
	Captions []string
}

// Store reads and writes serialized examples in a SQLite file. Images are
// stored as little-endian float32 blobs alongside their dimensions; captions
// as a JSON array.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS examples (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	height   INTEGER NOT NULL,
	width    INTEGER NOT NULL,
	channels INTEGER NOT NULL,
	image    BLOB NOT NULL,
	captions TEXT NOT NULL
);`

// OpenStore opens (or creates) a store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Count returns the number of stored examples.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM examples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return n, nil
}

// Insert serializes one example and returns its assigned ID.
func (s *Store) Insert(image *tensor.Tensor, captions []string) (int64, error) {
	dims := image.Shape().DimsRef()
	if len(dims) != 3 {
		return 0, fmt.Errorf("image must be [height, width, channels], got %v", image.Shape())
	}
	capJSON, err := json.Marshal(captions)
	if err != nil {
		return 0, fmt.Errorf("encode captions: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO examples (height, width, channels, image, captions) VALUES (?, ?, ?, ?, ?)`,
		dims[0], dims[1], dims[2], encodeFloats(image.DataPtr()), string(capJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert example: %w", err)
	}
	return res.LastInsertId()
}

// Get loads the example with the given ID.
func (s *Store) Get(id int64) (*Example, error) {
	row := s.db.QueryRow(
		`SELECT id, height, width, channels, image, captions FROM examples WHERE id = ?`, id)
	return scanExample(row)
}

// IDs returns all example IDs in insertion order.
func (s *Store) IDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM examples ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list example ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EpochOrder returns all IDs shuffled with the given source, one permutation
// per call.
func (s *Store) EpochOrder(rng *rand.Rand) ([]int64, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExample(row rowScanner) (*Example, error) {
	var (
		id      int64
		h, w, c int
		imgBlob []byte
		capJSON string
	)
	if err := row.Scan(&id, &h, &w, &c, &imgBlob, &capJSON); err != nil {
		return nil, fmt.Errorf("scan example: %w", err)
	}
	floats, err := decodeFloats(imgBlob)
	if err != nil {
		return nil, fmt.Errorf("example %d: %w", id, err)
	}
	if len(floats) != h*w*c {
		return nil, fmt.Errorf("example %d: image blob holds %d floats, want %d", id, len(floats), h*w*c)
	}
	var captions []string
	if err := json.Unmarshal([]byte(capJSON), &captions); err != nil {
		return nil, fmt.Errorf("example %d captions: %w", id, err)
	}
	return &Example{
		ID:       id,
		Image:    tensor.FromSliceNoCopy(floats, tensor.NewShape(h, w, c)),
		Captions: captions,
	}, nil
}

func encodeFloats(xs []float32) []byte {
	out := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decodeFloats(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("image blob length %d not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return out, nil
}
