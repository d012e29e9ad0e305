package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/block"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"go.uber.org/multierr"
)

var log = logging.Logger("userdata")

var DefaultKeyName = "default"

var ErrDriveNotFound = errors.New("drive not found")

// UserDataStore holds the agent identity and the registry of local drives.
// Drive contents live on the filesystem under <dataDir>/drives/<did>.
type UserDataStore struct {
	dstore  ds.Datastore
	keys    ds.Datastore
	drives  ds.Datastore
	cache   ds.Datastore
	fs      afero.Fs
	dataDir string
	gateway block.Fetcher
	// ownCache is set when cache is a separate datastore closed with the
	// registry.
	ownCache bool
}

type Option func(*UserDataStore)

// WithCache sets the datastore that holds blocks fetched from the network. By
// default they are kept in the registry datastore. The store takes ownership
// of cache and closes it on Close.
func WithCache(cache ds.Datastore) Option {
	return func(u *UserDataStore) {
		u.cache = cache
		u.ownCache = true
	}
}

// WithGateway sets a fetcher consulted for blocks missing locally.
func WithGateway(f block.Fetcher) Option {
	return func(u *UserDataStore) {
		u.gateway = f
	}
}

// ID retrieves the private key (signer) of the agent.
func (userdata *UserDataStore) ID(ctx context.Context) (principal.Signer, error) {
	return userdata.key(ctx, DefaultKeyName)
}

func (userdata *UserDataStore) key(ctx context.Context, name string) (principal.Signer, error) {
	b, err := userdata.keys.Get(ctx, ds.NewKey(name))
	if err != nil {
		return nil, fmt.Errorf("getting key: %s: %w", name, err)
	}
	s, err := signer.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %s: %w", name, err)
	}
	return s, nil
}

// AddDrive registers a new drive identified by a freshly generated key and
// returns its DID.
func (userdata *UserDataStore) AddDrive(ctx context.Context, name string) (did.DID, error) {
	if strings.TrimSpace(name) == "" {
		return did.Undef, errors.New("drive name must not be empty")
	}
	s, err := signer.Generate()
	if err != nil {
		return did.Undef, fmt.Errorf("generating drive key: %w", err)
	}
	id := s.DID()
	err = userdata.keys.Put(ctx, ds.NewKey(id.String()), s.Encode())
	if err != nil {
		return did.Undef, fmt.Errorf("putting drive key: %w", err)
	}
	b, err := marshalDriveInfo(DriveInfo{ID: id, Name: name})
	if err != nil {
		return did.Undef, err
	}
	err = userdata.drives.Put(ctx, ds.NewKey(id.String()), b)
	if err != nil {
		return did.Undef, fmt.Errorf("putting drive: %w", err)
	}
	log.Infof("added drive %q: %s", name, id)
	return id, nil
}

// Drives lists the registered drives ordered by DID.
func (userdata *UserDataStore) Drives(ctx context.Context) ([]DriveInfo, error) {
	res, err := userdata.drives.Query(ctx, query.Query{})
	if err != nil {
		return nil, fmt.Errorf("querying drives: %w", err)
	}
	defer res.Close()

	var drives []DriveInfo
	for r := range res.Next() {
		if r.Error != nil {
			return nil, fmt.Errorf("iterating drives: %w", r.Error)
		}
		info, err := unmarshalDriveInfo(r.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding drive: %s: %w", r.Key, err)
		}
		drives = append(drives, info)
	}
	slices.SortFunc(drives, func(a, b DriveInfo) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return drives, nil
}

// DriveInfo retrieves the registry record of a drive.
func (userdata *UserDataStore) DriveInfo(ctx context.Context, id did.DID) (DriveInfo, error) {
	b, err := userdata.drives.Get(ctx, ds.NewKey(id.String()))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return DriveInfo{}, fmt.Errorf("%w: %s", ErrDriveNotFound, id)
		}
		return DriveInfo{}, fmt.Errorf("getting drive: %s: %w", id, err)
	}
	return unmarshalDriveInfo(b)
}

// SetMetadata records the CID of the last metadata pushed for a drive.
func (userdata *UserDataStore) SetMetadata(ctx context.Context, id did.DID, metadata cid.Cid) error {
	info, err := userdata.DriveInfo(ctx, id)
	if err != nil {
		return err
	}
	info.Metadata = metadata
	b, err := marshalDriveInfo(info)
	if err != nil {
		return err
	}
	err = userdata.drives.Put(ctx, ds.NewKey(id.String()), b)
	if err != nil {
		return fmt.Errorf("putting drive: %w", err)
	}
	return nil
}

// RemoveDrive deletes a drive from the registry along with its local data and
// cached blocks.
func (userdata *UserDataStore) RemoveDrive(ctx context.Context, id did.DID) error {
	if _, err := userdata.DriveInfo(ctx, id); err != nil {
		return err
	}
	err := userdata.drives.Delete(ctx, ds.NewKey(id.String()))
	if err != nil {
		return fmt.Errorf("deleting drive: %w", err)
	}
	err = multierr.Combine(
		userdata.keys.Delete(ctx, ds.NewKey(id.String())),
		clearNamespace(ctx, userdata.driveCache(id)),
		userdata.fs.RemoveAll(userdata.driveDir(id)),
	)
	if err != nil {
		return fmt.Errorf("cleaning drive data: %s: %w", id, err)
	}
	log.Infof("removed drive: %s", id)
	return nil
}

// Drive opens the local block store of a registered drive. The caller must
// close it.
func (userdata *UserDataStore) Drive(ctx context.Context, id did.DID) (*Drive, error) {
	if _, err := userdata.DriveInfo(ctx, id); err != nil {
		return nil, err
	}
	return OpenDrive(ctx, userdata.fs, userdata.driveDir(id), id, userdata.driveCache(id), userdata.gateway)
}

func (userdata *UserDataStore) driveDir(id did.DID) string {
	return filepath.Join(userdata.dataDir, "drives", id.String())
}

func (userdata *UserDataStore) driveCache(id did.DID) ds.Datastore {
	return namespace.Wrap(userdata.cache, ds.NewKey("cache").ChildString(id.String()))
}

func clearNamespace(ctx context.Context, d ds.Datastore) error {
	res, err := d.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.Delete(ctx, ds.NewKey(e.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (userdata *UserDataStore) Close() error {
	if userdata.ownCache {
		return multierr.Combine(userdata.cache.Close(), userdata.dstore.Close())
	}
	return userdata.dstore.Close()
}

// NewUserDataStore opens the user data held in dstore, generating an agent key
// on first use. Drive files are created under dataDir on fs.
func NewUserDataStore(ctx context.Context, dstore ds.Datastore, fs afero.Fs, dataDir string, opts ...Option) (*UserDataStore, error) {
	userdata := &UserDataStore{
		dstore:  dstore,
		keys:    namespace.Wrap(dstore, ds.NewKey("keys")),
		drives:  namespace.Wrap(dstore, ds.NewKey("drives")),
		cache:   dstore,
		fs:      fs,
		dataDir: dataDir,
	}
	for _, opt := range opts {
		opt(userdata)
	}

	id, err := userdata.ID(ctx)
	if errors.Is(err, ds.ErrNotFound) {
		log.Warnln("default signing key not found, generating a new ed25519 key")

		id, err = signer.Generate()
		if err != nil {
			return nil, err
		}
		err = userdata.keys.Put(ctx, ds.NewKey(DefaultKeyName), id.Encode())
		if err != nil {
			return nil, fmt.Errorf("putting agent key: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	log.Infof("agent ID: %s", id.DID().String())

	return userdata, nil
}
