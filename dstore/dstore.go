package dstore

import (
	"fmt"
	"os"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"
	flatfs "github.com/ipfs/go-ds-flatfs"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/banyan/config"
)

var log = logging.Logger("dstore")

const (
	Memory  = "memory"
	LevelDB = "leveldb"
	FlatFS  = "flatfs"
	Badger  = "badger"
	S3      = "s3"
)

// Open creates the datastore described by cfg. Every backend supports
// batching.
func Open(cfg config.Datastore) (datastore.Batching, error) {
	log.Debugf("opening %s datastore at %s", cfg.Backend, cfg.Path)
	switch cfg.Backend {
	case Memory:
		return dssync.MutexWrap(datastore.NewMapDatastore()), nil
	case LevelDB:
		ds, err := leveldb.NewDatastore(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening leveldb datastore: %s: %w", cfg.Path, err)
		}
		return ds, nil
	case FlatFS:
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating flatfs directory: %s: %w", cfg.Path, err)
		}
		ds, err := flatfs.CreateOrOpen(cfg.Path, flatfs.NextToLast(2), false)
		if err != nil {
			return nil, fmt.Errorf("opening flatfs datastore: %s: %w", cfg.Path, err)
		}
		return ds, nil
	case Badger:
		opts := badger.DefaultOptions
		ds, err := badger.NewDatastore(cfg.Path, &opts)
		if err != nil {
			return nil, fmt.Errorf("opening badger datastore: %s: %w", cfg.Path, err)
		}
		return ds, nil
	case S3:
		ds, err := NewS3Datastore(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("opening s3 datastore: %w", err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("unknown datastore backend: %q", cfg.Backend)
	}
}
