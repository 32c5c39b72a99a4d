package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"

	"github.com/GriffinCanCode/capkernel/internal/shared/id"
)

// Ext is the file extension of a stored snapshot.
const Ext = ".json.zst"

// Store keeps snapshots in a directory, one subdirectory per instance.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes s and returns its path relative to the store. Names sort by
// time of saving.
func (st *Store) Save(s Snapshot) (string, error) {
	rel := filepath.Join(s.Instance, id.Default().WithPrefix("snap")+Ext)
	dst := filepath.Join(st.dir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".snap-*")
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, s); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Open reads the snapshot at a path returned by Save or List.
func (st *Store) Open(rel string) (Snapshot, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) || !(strings.HasSuffix(rel, Ext) || strings.HasSuffix(rel, ".json")) {
		return Snapshot{}, fmt.Errorf("%w %q", ErrBadName, rel)
	}
	f, err := os.Open(filepath.Join(st.dir, filepath.FromSlash(rel)))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// List returns stored snapshots matching pattern, oldest first. An empty
// pattern lists all of them.
func (st *Store) List(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**/*" + Ext
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: pattern %q", ErrBadName, pattern)
	}

	var (
		mu      sync.Mutex
		matches []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, st.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(st.dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, rel); ok {
			mu.Lock()
			matches = append(matches, rel)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		if bi, bj := path.Base(matches[i]), path.Base(matches[j]); bi != bj {
			return bi < bj
		}
		return matches[i] < matches[j]
	})
	return matches, nil
}

// Latest returns the newest snapshot of instance.
func (st *Store) Latest(instance string) (string, error) {
	names, err := st.List(instance + "/*" + Ext)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("snapshot: none stored for %s: %w", instance, os.ErrNotExist)
	}
	return names[len(names)-1], nil
}
