package carstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/car"
)

var log = logging.Logger("carstore")

// FileStore is a block store backed by a single CARv2 container.
type FileStore struct {
	fs        afero.Fs
	path      string
	file      afero.File
	container *car.Container
	dirty     bool
}

// Open opens the container at path, creating an empty one if it does not
// exist.
func Open(fs afero.Fs, path string) (*FileStore, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Create(fs, path, car.EmptyRoot)
		}
		return nil, fmt.Errorf("opening container: %s: %w", path, err)
	}
	c, err := car.Read(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading container: %s: %w", path, err)
	}
	return &FileStore{fs, path, f, c, false}, nil
}

// Create writes a new container at path with the given root. It fails if the
// file already exists.
func Create(fs afero.Fs, path string, root cid.Cid) (*FileStore, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating container: %s: %w", path, err)
	}
	c, err := car.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("initializing container: %s: %w", path, err)
	}
	s := &FileStore{fs, path, f, c, false}
	if !root.Equals(car.EmptyRoot) {
		c.SetRoot(root)
		if err := s.Persist(); err != nil {
			return nil, err
		}
	}
	log.Debugf("created container: %s", path)
	return s, nil
}

// NewMemory creates a store whose container lives in memory only.
func NewMemory() (*FileStore, error) {
	return Create(afero.NewMemMapFs(), "memory.car", car.EmptyRoot)
}

func (s *FileStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return s.container.Get(c)
}

func (s *FileStore) Has(c cid.Cid) bool {
	return s.container.Has(c)
}

// Put appends a block. It is durable once the store is persisted.
func (s *FileStore) Put(ctx context.Context, data []byte, codec multicodec.Code) (cid.Cid, error) {
	n := s.container.Len()
	c, err := s.container.Put(data, codec)
	if err != nil {
		return cid.Undef, err
	}
	if s.container.Len() != n {
		s.dirty = true
	}
	return c, nil
}

func (s *FileStore) Root(ctx context.Context) (cid.Cid, error) {
	return s.container.Root(), nil
}

// SetRoot changes the root in memory. Call Persist to make it durable.
func (s *FileStore) SetRoot(ctx context.Context, c cid.Cid) error {
	s.container.SetRoot(c)
	s.dirty = true
	return nil
}

// Dirty reports whether blocks or the root changed since the last Persist.
func (s *FileStore) Dirty() bool {
	return s.dirty
}

// Cids lists the blocks held by the store in append order.
func (s *FileStore) Cids() []cid.Cid {
	return s.container.Cids()
}

func (s *FileStore) Len() int {
	return s.container.Len()
}

func (s *FileStore) Path() string {
	return s.path
}

// Bytes serialises the whole container.
func (s *FileStore) Bytes() ([]byte, error) {
	return s.container.Bytes()
}

// Persist rewrites the container to a temporary file and renames it over the
// original, so a crash leaves either the old or the new container in place.
func (s *FileStore) Persist() error {
	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary container: %w", err)
	}
	if _, err := s.container.WriteTo(f); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("writing container: %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("syncing container: %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("closing container: %s: %w", s.path, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("replacing container: %s: %w", s.path, err)
	}

	nf, err := s.fs.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopening container: %s: %w", s.path, err)
	}
	c, err := car.Read(nf)
	if err != nil {
		nf.Close()
		return fmt.Errorf("reading persisted container: %s: %w", s.path, err)
	}
	old := s.file
	s.file, s.container, s.dirty = nf, c, false
	if err := old.Close(); err != nil {
		log.Warnf("closing replaced container: %s: %s", s.path, err)
	}
	log.Debugf("persisted container: %s (%d blocks)", s.path, c.Len())
	return nil
}

// Close releases the file handle without persisting.
func (s *FileStore) Close() error {
	return s.file.Close()
}
