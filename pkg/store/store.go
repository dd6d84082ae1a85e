// Package store implements the store handle: store path validation and the
// registration of permanent garbage collector roots.
//
// A root is a symlink under the roots directory pointing at a derivation
// path, recorded in a bolt database next to the symlinks so that repeated
// registrations are cheap to skip.
package store

import (
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
)

var logger = logutil.GetLogger("[store] ")

const bucketRoots = "roots"

// Store owns the roots directory and its index database.
type Store struct {
	dir string
	db  *bolt.DB
}

// Open opens (creating if necessary) the roots directory and its index.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.Wrap(err, "cannot create gc roots directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "roots.db"), 0644, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cannot open gc roots index")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRoots))
		return err
	})
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "cannot initialize gc roots index")
	}
	return &Store{dir: dir, db: db}, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ParseStorePath validates a store path. Store paths are absolute and have
// a non-empty base name.
func ParseStorePath(p string) error {
	if !filepath.IsAbs(p) {
		return pkgerrors.Errorf("store path %q is not absolute", p)
	}
	base := filepath.Base(p)
	if base == "/" || base == "." || strings.Contains(base, "~") {
		return pkgerrors.Errorf("invalid store path %q", p)
	}
	return nil
}

// AddPermRoot registers a permanent root for storePath under the roots
// directory, named after the path's base name. Roots that already exist are
// left alone. This may register roots for derivations emitted by an earlier
// run; that is harmless.
func (s *Store) AddPermRoot(storePath string) error {
	if err := ParseStorePath(storePath); err != nil {
		return err
	}
	root := filepath.Join(s.dir, filepath.Base(storePath))
	registered, err := s.registered(root)
	if err != nil {
		return err
	}
	if registered {
		return nil
	}
	if err := os.Symlink(storePath, root); err != nil && !os.IsExist(err) {
		return pkgerrors.Wrap(err, "cannot create gc root")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRoots)).Put([]byte(root), []byte(storePath))
	})
	if err != nil {
		return pkgerrors.Wrap(err, "cannot record gc root")
	}
	logger.Printf("registered root %s -> %s", root, storePath)
	return nil
}

// Roots lists the registered roots as a mapping from root path to store
// path.
func (s *Store) Roots() (map[string]string, error) {
	roots := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRoots)).ForEach(func(k, v []byte) error {
			roots[string(k)] = string(v)
			return nil
		})
	})
	return roots, err
}

func (s *Store) registered(root string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(bucketRoots)).Get([]byte(root)) != nil
		return nil
	})
	return found, err
}
