package carstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/car"
	"go.uber.org/multierr"
)

var (
	ErrNotADirectory  = errors.New("not a directory")
	ErrNoCurrentDelta = errors.New("no current delta")
	ErrMissingRoot    = errors.New("delta has no root")
)

var deltaName = regexp.MustCompile(`^([0-9]+)\.car$`)

type delta struct {
	seq   uint64
	store *FileStore
}

// MultiStore presents a directory of numbered CARv2 deltas (1.car, 2.car, ...)
// as one block store. Reads search the newest delta first, writes go to the
// newest (current) delta only.
//
// Only one MultiStore may own a directory at a time; two instances can pick
// the same sequence number in AddDelta.
type MultiStore struct {
	fs     afero.Fs
	dir    string
	deltas []delta
	maxSeq uint64
}

// OpenMulti opens every delta in dir, creating dir if it does not exist.
// Deltas that fail to parse are skipped and logged; their data is lost but the
// rest of the history stays readable.
func OpenMulti(fs afero.Fs, dir string) (*MultiStore, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking delta directory: %s: %w", dir, err)
		}
		err = fs.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("creating delta directory: %s: %w", dir, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("opening delta directory: %s: %w", dir, ErrNotADirectory)
	}

	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("listing delta directory: %s: %w", dir, err)
	}

	ms := &MultiStore{fs: fs, dir: dir}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		m := deltaName.FindStringSubmatch(info.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || seq == 0 {
			continue
		}
		ms.maxSeq = max(ms.maxSeq, seq)
		s, err := Open(fs, filepath.Join(dir, info.Name()))
		if err != nil {
			log.Errorf("skipping unreadable delta: %s", err)
			continue
		}
		ms.deltas = append(ms.deltas, delta{seq, s})
	}
	slices.SortFunc(ms.deltas, func(a, b delta) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	log.Debugf("opened %d deltas in %s", len(ms.deltas), dir)
	return ms, nil
}

// Deltas is the number of open deltas.
func (ms *MultiStore) Deltas() int {
	return len(ms.deltas)
}

// Delta returns the i-th delta, oldest first.
func (ms *MultiStore) Delta(i int) *FileStore {
	return ms.deltas[i].store
}

// Current returns the delta that receives writes, or nil if there is none.
func (ms *MultiStore) Current() *FileStore {
	if len(ms.deltas) == 0 {
		return nil
	}
	return ms.deltas[len(ms.deltas)-1].store
}

// AddDelta persists the current delta and starts a new one whose root is the
// current root, or car.EmptyRoot for the first delta.
func (ms *MultiStore) AddDelta(ctx context.Context) error {
	root := car.EmptyRoot
	if cur := ms.Current(); cur != nil {
		r, err := cur.Root(ctx)
		if err != nil {
			return err
		}
		if !r.Defined() {
			return fmt.Errorf("adding delta after %s: %w", cur.Path(), ErrMissingRoot)
		}
		root = r
		if err := cur.Persist(); err != nil {
			return err
		}
	}

	seq := ms.maxSeq + 1
	s, err := Create(ms.fs, filepath.Join(ms.dir, fmt.Sprintf("%d.car", seq)), root)
	if err != nil {
		return err
	}
	ms.deltas = append(ms.deltas, delta{seq, s})
	ms.maxSeq = seq
	log.Infof("added delta %d with root %s", seq, root)
	return nil
}

// Get searches deltas from newest to oldest. A delta that cannot produce the
// block is passed over; if no delta has it the first error other than
// not-found is returned, so corruption is never reported as absence.
func (ms *MultiStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var failure error
	for i := len(ms.deltas) - 1; i >= 0; i-- {
		d := ms.deltas[i]
		b, err := d.store.Get(ctx, c)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, car.ErrBlockNotFound) {
			log.Warnf("reading %s from delta %d: %s", c, d.seq, err)
			if failure == nil {
				failure = err
			}
		}
	}
	if failure != nil {
		return nil, failure
	}
	return nil, fmt.Errorf("getting block: %s: %w", c, car.ErrBlockNotFound)
}

// Has reports whether any delta indexes c.
func (ms *MultiStore) Has(c cid.Cid) bool {
	for i := len(ms.deltas) - 1; i >= 0; i-- {
		if ms.deltas[i].store.Has(c) {
			return true
		}
	}
	return false
}

func (ms *MultiStore) Put(ctx context.Context, data []byte, codec multicodec.Code) (cid.Cid, error) {
	cur := ms.Current()
	if cur == nil {
		return cid.Undef, ErrNoCurrentDelta
	}
	return cur.Put(ctx, data, codec)
}

func (ms *MultiStore) Root(ctx context.Context) (cid.Cid, error) {
	cur := ms.Current()
	if cur == nil {
		return cid.Undef, ErrNoCurrentDelta
	}
	return cur.Root(ctx)
}

// SetRoot sets the root of the current delta and persists it immediately.
func (ms *MultiStore) SetRoot(ctx context.Context, c cid.Cid) error {
	cur := ms.Current()
	if cur == nil {
		return ErrNoCurrentDelta
	}
	if err := cur.SetRoot(ctx, c); err != nil {
		return err
	}
	return cur.Persist()
}

// Flush persists the current delta if it has unsaved changes.
func (ms *MultiStore) Flush() error {
	cur := ms.Current()
	if cur == nil || !cur.Dirty() {
		return nil
	}
	return cur.Persist()
}

// Close flushes the current delta and closes every delta.
func (ms *MultiStore) Close() error {
	err := ms.Flush()
	for _, d := range ms.deltas {
		err = multierr.Append(err, d.store.Close())
	}
	ms.deltas = nil
	return err
}
