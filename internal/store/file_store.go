package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Repository is the only way components read or mutate persisted state.
// Every mutation is a Load, change, Save cycle; nothing holds a Store across calls.
type Repository interface {
	Load() (*Store, error)
	Save(*Store) error
}

const quarantineDirName = "quarantine"

// FileStore persists the Store as a single JSON document.
type FileStore struct {
	path          string
	quarantineDir string
	now           func() time.Time
	rename        func(oldpath, newpath string) error
}

// NewFileStore creates a FileStore at path. Unparseable prior versions are
// moved into a quarantine directory next to it.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:          path,
		quarantineDir: filepath.Join(filepath.Dir(path), quarantineDirName),
		now:           time.Now,
		rename:        os.Rename,
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// QuarantineDir returns the directory holding quarantined documents.
func (s *FileStore) QuarantineDir() string {
	return s.quarantineDir
}

// Load reads the Store. Missing, empty and corrupted files yield an empty
// Store; only I/O failures other than a missing file are returned.
func (s *FileStore) Load() (*Store, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("os.ReadFile failed: %w", err)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return New(), nil
	}

	st, err := decodeStore(raw)
	if err == nil {
		return st, nil
	}

	if st, ok := salvage(raw); ok {
		log.Printf("Store %s had trailing or partial content, recovered last complete document", s.path)
		return st, nil
	}

	qPath, qErr := s.quarantine(raw)
	if qErr != nil {
		log.Println(fmt.Errorf("quarantine of %s failed: %w", s.path, qErr))
	} else {
		log.Printf("Store %s is unreadable (%v), quarantined to %s and starting empty", s.path, err, qPath)
	}

	return New(), nil
}

// Save writes st atomically through a temp file and rename. When that path
// fails it falls back to a direct write; only if both fail is an error returned.
func (s *FileStore) Save(st *Store) error {
	if st == nil {
		st = New()
	}
	st.ensureMaps()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("json.MarshalIndent failed: %w", err)
	}

	atomicErr := s.writeAtomic(data)
	if atomicErr == nil {
		return nil
	}
	log.Println(fmt.Errorf("writeAtomic failed, falling back to direct write: %w", atomicErr))

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return errors.Join(atomicErr, fmt.Errorf("os.WriteFile failed: %w", err))
	}

	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("os.CreateTemp failed: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("tmp.Write failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("tmp.Sync failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tmp.Close failed: %w", err)
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename failed: %w", err)
	}

	return nil
}

// quarantine moves the unreadable document out of the way so later loads see
// a missing file. When the move fails the content is copied and the original removed.
func (s *FileStore) quarantine(raw []byte) (string, error) {
	if err := os.MkdirAll(s.quarantineDir, 0700); err != nil {
		return "", fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(s.path), s.now().UTC().Format("20060102T150405.000000000Z"))
	qPath := filepath.Join(s.quarantineDir, name)

	renameErr := s.rename(s.path, qPath)
	if renameErr == nil {
		return qPath, nil
	}

	if err := os.WriteFile(qPath, raw, 0600); err != nil {
		return "", errors.Join(renameErr, fmt.Errorf("os.WriteFile failed: %w", err))
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return qPath, fmt.Errorf("os.Remove failed: %w", err)
	}

	return qPath, nil
}

// storeShape is used to tell a top-level document apart from nested objects.
type storeShape struct {
	Messages *json.RawMessage `json:"messages"`
	Threads  *json.RawMessage `json:"threads"`
}

func decodeStore(raw []byte) (*Store, error) {
	st := New()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	st.ensureMaps()

	return st, nil
}

// salvage looks for the last complete store document in raw. It first walks
// the stream of concatenated values from the start, then scans backwards from
// every '{' for a document preceded by garbage.
func salvage(raw []byte) (*Store, bool) {
	var last json.RawMessage

	dec := json.NewDecoder(bytes.NewReader(raw))
	for {
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			break
		}
		if isStoreDocument(v) {
			last = v
		}
	}

	if last == nil {
		for i := len(raw) - 1; i >= 0; i-- {
			if raw[i] != '{' {
				continue
			}
			var v json.RawMessage
			if err := json.NewDecoder(bytes.NewReader(raw[i:])).Decode(&v); err != nil {
				continue
			}
			if isStoreDocument(v) {
				last = v
				break
			}
		}
	}

	if last == nil {
		return nil, false
	}

	st, err := decodeStore(last)
	if err != nil {
		return nil, false
	}

	return st, true
}

func isStoreDocument(v json.RawMessage) bool {
	if len(v) == 0 || v[0] != '{' {
		return false
	}
	var shape storeShape
	if err := json.Unmarshal(v, &shape); err != nil {
		return false
	}
	if shape.Messages == nil && shape.Threads == nil {
		return false
	}
	// Reject documents whose keys are present but not the expected types.
	_, err := decodeStore(v)
	return err == nil
}
