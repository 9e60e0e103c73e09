package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
)

const fileSuffix = ".json"

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir    string
	logger *logger.Logger
	now    func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is empty")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: log, now: time.Now}, nil
}

// Save writes the checkpoint atomically: a reader sees either the previous
// document or the new one, never a partial write.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := validate(cp); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validID(cp.SessionID); err != nil {
		return "", err
	}

	stored := *cp
	stored.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.SessionID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(cp.SessionID)); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.logger.WithSession(cp.SessionID).Debugf("Checkpoint saved: %d completed items", len(cp.CompletedItems))
	return cp.SessionID, nil
}

// Load reads the checkpoint for id.
func (s *FileStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// List returns every stored checkpoint, most recently updated first.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		cp, err := s.Load(ctx, strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			s.logger.Warnf("Skipping unreadable checkpoint %s: %v", name, err)
			continue
		}
		out = append(out, summarize(cp))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// validID rejects ids that would escape the checkpoint directory.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileSuffix)
}
