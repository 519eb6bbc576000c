package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// FileReferenceRepository implements domain.ReferenceRepository as a JSON map
// on disk. Every mutation rewrites the whole file.
type FileReferenceRepository struct {
	mu      sync.Mutex
	path    string
	entries map[string]int
}

// NewFileReferenceRepository loads the ledger at path, starting empty when the
// file does not exist.
func NewFileReferenceRepository(path string) (*FileReferenceRepository, error) {
	r := &FileReferenceRepository{path: path, entries: make(map[string]int)}
	if err := readJSONFile(path, &r.entries); err != nil {
		return nil, fmt.Errorf("load reference ledger: %w", err)
	}
	if r.entries == nil {
		r.entries = make(map[string]int)
	}
	return r, nil
}

// Touch creates an empty entry for code if none exists.
func (r *FileReferenceRepository) Touch(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[code]; ok {
		return nil
	}
	r.entries[code] = 0
	return writeJSONFile(r.path, r.entries)
}

// Accrue adds amount to the un-redeemed credit of code.
func (r *FileReferenceRepository) Accrue(_ context.Context, code string, amount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[code] += amount
	return writeJSONFile(r.path, r.entries)
}

// TakeAndClear returns the credit of code and zeroes it under one lock.
func (r *FileReferenceRepository) TakeAndClear(_ context.Context, code string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credits, ok := r.entries[code]
	if !ok || credits == 0 {
		return 0, nil
	}
	r.entries[code] = 0
	if err := writeJSONFile(r.path, r.entries); err != nil {
		r.entries[code] = credits
		return 0, err
	}
	return credits, nil
}

// All returns a copy of every entry.
func (r *FileReferenceRepository) All(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.entries), nil
}
