package tracker

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"
)

var log = logging.Logger("tracker")

// State is the persisted content of a tracker.
type State struct {
	// Tracked maps blocks written locally but not yet confirmed by the remote
	// to their size in bytes.
	Tracked map[cid.Cid]uint64
	// Deleted is the set of blocks awaiting remote deletion.
	Deleted map[cid.Cid]struct{}
}

func newState() State {
	return State{Tracked: map[cid.Cid]uint64{}, Deleted: map[cid.Cid]struct{}{}}
}

// Tracker records which blocks still need to be uploaded and which need to be
// deleted remotely. Every mutation is written to disk before it returns.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	fs    afero.Fs
	path  string
	state State
}

// Open loads the tracker file at path. A missing file yields an empty tracker;
// the file is created on the first mutation.
func Open(fs afero.Fs, path string) (*Tracker, error) {
	t := &Tracker{fs: fs, path: path, state: newState()}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("no tracker file at %s, starting empty", path)
			return t, nil
		}
		return nil, fmt.Errorf("reading tracker: %s: %w", path, err)
	}
	s, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decoding tracker: %s: %w", path, err)
	}
	t.state = s
	return t, nil
}

// Track records c as pending upload. Tracking a block twice keeps the first
// size.
func (t *Tracker) Track(c cid.Cid, size uint64) error {
	if _, ok := t.state.Tracked[c]; ok {
		return nil
	}
	t.state.Tracked[c] = size
	if err := t.persist(); err != nil {
		delete(t.state.Tracked, c)
		return err
	}
	return nil
}

// Untrack forgets c. Untracking an unknown block does nothing.
func (t *Tracker) Untrack(c cid.Cid) error {
	size, ok := t.state.Tracked[c]
	if !ok {
		return nil
	}
	delete(t.state.Tracked, c)
	if err := t.persist(); err != nil {
		t.state.Tracked[c] = size
		return err
	}
	return nil
}

// Delete marks c for remote deletion whether or not it is tracked.
func (t *Tracker) Delete(c cid.Cid) error {
	if _, ok := t.state.Deleted[c]; ok {
		return nil
	}
	t.state.Deleted[c] = struct{}{}
	if err := t.persist(); err != nil {
		delete(t.state.Deleted, c)
		return err
	}
	return nil
}

// Remove stops tracking c and marks it for remote deletion in a single write,
// so a failure leaves both sets as they were.
func (t *Tracker) Remove(c cid.Cid) error {
	size, tracked := t.state.Tracked[c]
	_, deleted := t.state.Deleted[c]
	if !tracked && deleted {
		return nil
	}
	delete(t.state.Tracked, c)
	t.state.Deleted[c] = struct{}{}
	if err := t.persist(); err != nil {
		if tracked {
			t.state.Tracked[c] = size
		}
		if !deleted {
			delete(t.state.Deleted, c)
		}
		return err
	}
	return nil
}

// ClearDeleted empties the pending deletion set.
func (t *Tracker) ClearDeleted() error {
	if len(t.state.Deleted) == 0 {
		return nil
	}
	prev := t.state.Deleted
	t.state.Deleted = map[cid.Cid]struct{}{}
	if err := t.persist(); err != nil {
		t.state.Deleted = prev
		return err
	}
	return nil
}

// Tracked returns the tracked blocks in CID byte order.
func (t *Tracker) Tracked() []cid.Cid {
	out := make([]cid.Cid, 0, len(t.state.Tracked))
	for c := range t.state.Tracked {
		out = append(out, c)
	}
	sortCids(out)
	return out
}

// Deleted returns the blocks pending deletion in CID byte order.
func (t *Tracker) Deleted() []cid.Cid {
	out := make([]cid.Cid, 0, len(t.state.Deleted))
	for c := range t.state.Deleted {
		out = append(out, c)
	}
	sortCids(out)
	return out
}

// Size returns the recorded size of a tracked block.
func (t *Tracker) Size(c cid.Cid) (uint64, bool) {
	size, ok := t.state.Tracked[c]
	return size, ok
}

func (t *Tracker) IsTracked(c cid.Cid) bool {
	_, ok := t.state.Tracked[c]
	return ok
}

// TrackedSize is the sum of all tracked block sizes.
func (t *Tracker) TrackedSize() uint64 {
	var total uint64
	for _, size := range t.state.Tracked {
		total += size
	}
	return total
}

func (t *Tracker) persist() error {
	b, err := Marshal(t.state)
	if err != nil {
		return fmt.Errorf("encoding tracker: %w", err)
	}
	tmp := t.path + ".tmp"
	f, err := t.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary tracker: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		t.fs.Remove(tmp)
		return fmt.Errorf("writing tracker: %s: %w", t.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		t.fs.Remove(tmp)
		return fmt.Errorf("syncing tracker: %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		t.fs.Remove(tmp)
		return fmt.Errorf("closing tracker: %s: %w", t.path, err)
	}
	if err := t.fs.Rename(tmp, t.path); err != nil {
		t.fs.Remove(tmp)
		return fmt.Errorf("replacing tracker: %s: %w", t.path, err)
	}
	return nil
}

func sortCids(cids []cid.Cid) {
	slices.SortFunc(cids, func(a, b cid.Cid) int {
		return strings.Compare(a.KeyString(), b.KeyString())
	})
}
