package durable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// FilePointer keeps the recovery pointer in a small file next to the database.
type FilePointer struct {
	path string
	mu   sync.Mutex
}

// NewFilePointer returns a pointer stored at path. The file is created lazily.
func NewFilePointer(path string) *FilePointer {
	return &FilePointer{path: path}
}

// Load returns the stored session id, or "" if the file does not exist.
func (p *FilePointer) Load() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pointer file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Store replaces the pointer with sessionID using write-to-temp and rename.
func (p *FilePointer) Store(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pointer directory: %w", err)
	}

	tempFile := p.path + ".tmp"
	if err := os.WriteFile(tempFile, []byte(sessionID), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, p.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	log.Debug().Str("path", p.path).Str("session_id", sessionID).Msg("Recovery pointer stored")
	return nil
}

// Clear empties the slot by removing the file.
func (p *FilePointer) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pointer file: %w", err)
	}
	return nil
}
