package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Source reads artifact bytes by path.
type Source interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// FileSource reads from the local filesystem. Relative paths resolve
// against Root when it is set.
type FileSource struct {
	Root string
}

func (s FileSource) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// MemorySource serves artifacts from memory. Used by the scenario harness
// and tests.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemorySource() *MemorySource {
	return &MemorySource{files: make(map[string][]byte)}
}

// Put stores a copy of content under path.
func (s *MemorySource) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), content...)
}

func (s *MemorySource) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}
