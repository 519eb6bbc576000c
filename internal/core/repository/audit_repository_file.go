package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// FileAuditRepository appends audit records as JSON lines.
type FileAuditRepository struct {
	mu   sync.Mutex
	path string
}

// NewFileAuditRepository creates a FileAuditRepository writing to path.
func NewFileAuditRepository(path string) *FileAuditRepository {
	return &FileAuditRepository{path: path}
}

// Append writes rec as one line.
func (r *FileAuditRepository) Append(_ context.Context, rec domain.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	_, err = f.Write(line)
	return err
}
