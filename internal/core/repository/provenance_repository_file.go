package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

const provenanceFileVersion = 1

// provenanceFile is the on-disk envelope for the provenance ledger.
type provenanceFile struct {
	Version   int                                        `json:"version"`
	Generated map[string]bool                            `json:"generated"`
	Rewards   map[string]map[string]domain.UploadReward `json:"rewards"`
}

// FileProvenanceRepository implements domain.ProvenanceRepository as a JSON
// document on disk, rewritten after each mutation.
type FileProvenanceRepository struct {
	mu   sync.Mutex
	path string
	data provenanceFile
}

// NewFileProvenanceRepository loads the ledger at path.
func NewFileProvenanceRepository(path string) (*FileProvenanceRepository, error) {
	r := &FileProvenanceRepository{path: path}
	if err := readJSONFile(path, &r.data); err != nil {
		return nil, fmt.Errorf("load provenance ledger: %w", err)
	}
	r.data.Version = provenanceFileVersion
	if r.data.Generated == nil {
		r.data.Generated = make(map[string]bool)
	}
	if r.data.Rewards == nil {
		r.data.Rewards = make(map[string]map[string]domain.UploadReward)
	}
	return r, nil
}

// MarkGenerated records generated image hashes.
func (r *FileProvenanceRepository) MarkGenerated(_ context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range hashes {
		r.data.Generated[h] = true
	}
	return writeJSONFile(r.path, r.data)
}

// IsGenerated reports whether hash was produced by the generator.
func (r *FileProvenanceRepository) IsGenerated(_ context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Generated[hash], nil
}

// RecordReward stores the reward unless hash was already rewarded.
func (r *FileProvenanceRepository) RecordReward(_ context.Context, hash, sessionID string, reward domain.UploadReward) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data.Rewards[hash]) > 0 {
		return false, nil
	}
	r.data.Rewards[hash] = map[string]domain.UploadReward{sessionID: reward}
	if err := writeJSONFile(r.path, r.data); err != nil {
		delete(r.data.Rewards, hash)
		return false, err
	}
	return true, nil
}

// Rewards returns a copy of the rewards recorded for hash.
func (r *FileProvenanceRepository) Rewards(_ context.Context, hash string) (map[string]domain.UploadReward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := maps.Clone(r.data.Rewards[hash])
	if out == nil {
		out = make(map[string]domain.UploadReward)
	}
	return out, nil
}

// Counts returns the number of generated and rewarded hashes.
func (r *FileProvenanceRepository) Counts(_ context.Context) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data.Generated), len(r.data.Rewards), nil
}
