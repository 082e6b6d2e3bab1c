package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const documentVersion = "1.0"

// Document is the full registry contents, keyed by worker name.
type Document struct {
	Version   string                   `json:"version"`
	UpdatedAt float64                  `json:"updated_at"`
	Workers   map[string]*WorkerRecord `json:"workers"`
}

func emptyDocument() *Document {
	return &Document{
		Version: documentVersion,
		Workers: make(map[string]*WorkerRecord),
	}
}

// Store persists the registry document. All implementations must serialize
// access so that an Update is one atomic read-modify-write cycle.
type Store interface {
	// View runs fn with a snapshot of the current document.
	View(fn func(doc *Document) error) error

	// Update runs fn with the current document under an exclusive lock
	// and persists the result if fn returns nil.
	Update(fn func(doc *Document) error) error
}

// FileStore implements Store on a JSON file guarded by an advisory file
// lock, usable concurrently from any number of processes. Writes go through
// a temp file and atomic rename.
type FileStore struct {
	path     string
	lockPath string
}

// NewFileStore creates a file store at path, creating the parent directory
// and an empty document if none exists yet.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
	}
	err := s.Update(func(*Document) error { return nil })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the registry file location.
func (s *FileStore) Path() string {
	return s.path
}

// View reads the document under a shared lock.
func (s *FileStore) View(fn func(doc *Document) error) error {
	lock := flock.New(s.lockPath)
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	return fn(doc)
}

// Update runs one read-modify-write cycle under the exclusive lock. The
// lock is held only for the duration of the cycle and is released on every
// exit path.
func (s *FileStore) Update(fn func(doc *Document) error) error {
	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

// read loads the document, assuming the caller holds the lock. A missing or
// corrupt file yields an empty document rather than an error: the registry
// is rebuildable state, and refusing to start over a torn file would wedge
// every worker on the machine.
func (s *FileStore) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return emptyDocument(), nil
	}
	if doc.Workers == nil {
		doc.Workers = make(map[string]*WorkerRecord)
	}
	return &doc, nil
}

// write persists the document atomically, assuming the caller holds the
// lock.
func (s *FileStore) write(doc *Document) error {
	doc.Version = documentVersion
	doc.UpdatedAt = unixFloat(time.Now())

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// MemoryStore implements Store in memory for tests and single-process use.
type MemoryStore struct {
	mu  sync.Mutex
	doc *Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: emptyDocument()}
}

func (s *MemoryStore) View(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.snapshot())
}

func (s *MemoryStore) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = unixFloat(time.Now())
	s.doc = next
	return nil
}

// snapshot deep-copies the document so callers cannot mutate shared state
// outside Update.
func (s *MemoryStore) snapshot() *Document {
	cp := &Document{
		Version:   s.doc.Version,
		UpdatedAt: s.doc.UpdatedAt,
		Workers:   make(map[string]*WorkerRecord, len(s.doc.Workers)),
	}
	for name, rec := range s.doc.Workers {
		r := *rec
		if rec.Metadata != nil {
			r.Metadata = make(map[string]any, len(rec.Metadata))
			for k, v := range rec.Metadata {
				r.Metadata[k] = v
			}
		}
		cp.Workers[name] = &r
	}
	return cp
}
