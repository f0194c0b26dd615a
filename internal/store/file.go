package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"hydrophone-downloader/internal/models"
)

type fileState struct {
	Namespace string             `yaml:"namespace"`
	UpdatedAt time.Time          `yaml:"updated_at"`
	Records   []models.JobRecord `yaml:"records"`
}

// FileStore keeps the session state in a YAML file, rewritten atomically on every checkpoint.
type FileStore struct {
	path      string
	namespace string

	mu      sync.Mutex
	records map[string]models.JobRecord
}

func NewFileStore(path, namespace string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file state backend needs a path")
	}
	s := &FileStore{path: path, namespace: namespace, records: make(map[string]models.JobRecord)}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st fileState
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	if st.Namespace != "" && st.Namespace != namespace {
		// another session's state; it is replaced on the first checkpoint
		return s, nil
	}
	for _, r := range st.Records {
		s.records[r.Key] = r
	}
	return s, nil
}

func (s *FileStore) Checkpoint(_ context.Context, rec models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec

	st := fileState{Namespace: s.namespace, UpdatedAt: time.Now().UTC()}
	for _, r := range s.records {
		st.Records = append(st.Records, r)
	}
	sortByKey(st.Records)
	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeFileAtomic(s.path, b)
}

func (s *FileStore) Load(context.Context) ([]models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return sortByKey(out), nil
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
