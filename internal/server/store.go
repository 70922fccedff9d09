package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"gihan9a/recordsync/internal/utils"
)

const recordExt = ".json"

var (
	errOutsideRoot = errors.New("record outside root directory")
	errNotObject   = errors.New("record is not a JSON object")
)

// document is one stored record version. data is never modified in place.
type document struct {
	version uint64
	data    []byte
	hash    string
}

// store keeps the authoritative copy of every record that was requested,
// backed by <root>/<name>.json files.
type store struct {
	root    string
	persist bool

	mu   sync.Mutex
	docs map[string]document
}

func newStore(root string, persist bool) *store {
	return &store{
		root:    filepath.Clean(root),
		persist: persist,
		docs:    make(map[string]document),
	}
}

// pathFor converts a record name to its file path
func (s *store) pathFor(name string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(name)+recordExt)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errOutsideRoot, name)
	}
	return path, nil
}

// nameFor converts a file path to a record name
func (s *store) nameFor(path string) (string, bool) {
	if !strings.HasSuffix(path, recordExt) {
		return "", false
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, recordExt)), true
}

// get returns the record called name, loading it from disk on first use.
// With create, a missing record starts out as an empty object at version 0.
func (s *store) get(name string, create bool) (document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[name]; ok {
		return doc, true, nil
	}
	path, err := s.pathFor(name)
	if err != nil {
		return document{}, false, err
	}
	data, err := readRecord(path)
	switch {
	case err == nil:
		doc := document{version: 1, data: data, hash: utils.ContentHash(data)}
		s.docs[name] = doc
		return doc, true, nil
	case errors.Is(err, os.ErrNotExist) && create:
		data := []byte("{}")
		doc := document{version: 0, data: data, hash: utils.ContentHash(data)}
		s.docs[name] = doc
		return doc, true, nil
	case errors.Is(err, os.ErrNotExist):
		return document{}, false, nil
	}
	return document{}, false, err
}

// apply runs change against the current data of name when version is newer
// than the stored version. A stale write leaves the data untouched and moves
// the stored version past both, so the snapshot sent back as a correction is
// accepted by every holder. The returned document is the stored one.
func (s *store) apply(name string, version uint64, change func([]byte) ([]byte, error)) (document, bool, error) {
	if _, _, err := s.get(name, true); err != nil {
		return document{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.docs[name]
	if version <= cur.version {
		cur.version = max(cur.version, version) + 1
		s.docs[name] = cur
		return cur, false, nil
	}
	data, err := change(cur.data)
	if err != nil {
		return cur, false, err
	}
	if !gjson.ParseBytes(data).IsObject() {
		return cur, false, errNotObject
	}
	next := document{version: version, data: data, hash: utils.ContentHash(data)}
	if s.persist {
		if err := s.writeFile(name, data); err != nil {
			return cur, false, err
		}
	}
	s.docs[name] = next
	return next, true, nil
}

// reload re-reads a loaded record after its file changed. It reports false
// when the record is not loaded or its content is unchanged.
func (s *store) reload(name string) (old, cur document, changed bool, err error) {
	path, err := s.pathFor(name)
	if err != nil {
		return old, cur, false, err
	}
	data, err := readRecord(path)
	if err != nil {
		return old, cur, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.docs[name]
	hash := utils.ContentHash(data)
	if !ok || old.hash == hash {
		return old, old, false, nil
	}
	cur = document{version: old.version + 1, data: data, hash: hash}
	s.docs[name] = cur
	return old, cur, true, nil
}

// remove forgets a record whose file was removed
func (s *store) remove(name string) (document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[name]
	delete(s.docs, name)
	return doc, ok
}

func (s *store) writeFile(name string, data []byte) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist record %q: %w", name, err)
	}
	return nil
}

func readRecord(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%s: %w", path, errNotObject)
	}
	return data, nil
}
