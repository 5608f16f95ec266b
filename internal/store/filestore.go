package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// FileStore keeps one JSON document per run under a directory. Writes go to
// a temp file first and land with an atomic rename, so readers never see a
// half-written record. A concurrent in-memory index serves Get existence
// checks and List without touching the directory.
type FileStore struct {
	dir   string
	seq   atomic.Uint64
	index *xsync.MapOf[string, Summary]
	mu    sync.Mutex // serializes Save's assign-then-write step
}

// NewFileStore opens (or creates) the store directory and resumes the
// sequence counter from the existing records.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &FileStore{
		dir:   dir,
		index: xsync.NewMapOf[string, Summary](),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	var maxSeq uint64
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, readErr := s.readRecord(filepath.Join(dir, e.Name()))
		if readErr != nil {
			log.Warn().Err(readErr).Str("file", e.Name()).Msg("skipping unreadable result file")
			continue
		}
		s.index.Store(rec.ID, summarize(rec))
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		loaded++
	}
	s.seq.Store(maxSeq)

	log.Info().
		Str("dir", dir).
		Int("records", loaded).
		Uint64("seq", maxSeq).
		Msg("file store opened")

	return s, nil
}

func (s *FileStore) Save(ctx context.Context, rec *RunResult) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	s.mu.Lock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.Seq = s.seq.Add(1)
		rec.ID = formatID(rec.CreatedAt, rec.Seq)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StorageError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "save", Err: err}
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "save", Err: err}
	}

	s.index.Store(rec.ID, summarize(rec))
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	if _, ok := s.index.Load(id); !ok {
		return nil, ErrNotFound
	}

	rec, err := s.readRecord(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

func (s *FileStore) List(ctx context.Context, page Page) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	all := make([]Summary, 0, s.index.Size())
	s.index.Range(func(_ string, sum Summary) bool {
		if page.Status == "" || sum.Status == page.Status {
			all = append(all, sum)
		}
		return true
	})

	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })

	if page.Offset >= len(all) {
		return []Summary{}, nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all, nil
}

func (s *FileStore) Healthy(_ context.Context) bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) readRecord(path string) (*RunResult, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from the store dir and a record id
	if err != nil {
		return nil, err
	}
	var rec RunResult
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

var _ Store = (*FileStore)(nil)
