package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	leveldb "github.com/ipfs/go-ds-leveldb"
	"github.com/spf13/afero"
	"github.com/storacha/banyan/block"
	"github.com/storacha/banyan/car"
	"github.com/storacha/banyan/config"
	"github.com/storacha/banyan/dstore"
	"github.com/storacha/banyan/store"
	"github.com/storacha/banyan/trustlessgateway"
	"github.com/urfave/cli/v2"
)

func mkdirp(dirpath ...string) (string, error) {
	dir := filepath.Join(dirpath...)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", fmt.Errorf("creating directory: %s: %w", dir, err)
	}
	return dir, nil
}

// EnsureDataDir returns dataDir, or ~/.banyan when empty, creating it if
// needed.
func EnsureDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homedir, ".banyan")
	}
	return mkdirp(dataDir)
}

// Config loads configuration for the data directory selected by the global
// flags.
func Config(cCtx *cli.Context) (config.Config, error) {
	datadir, err := EnsureDataDir(cCtx.String("datadir"))
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(afero.NewOsFs(), datadir, cCtx.String("config"))
}

// UserDataStore opens the drive registry in the configured data directory.
// Blocks fetched from the gateway are cached in the configured datastore.
func UserDataStore(cCtx *cli.Context, cfg config.Config) (*store.UserDataStore, error) {
	dir, err := mkdirp(cfg.DataDir, "userdata")
	if err != nil {
		return nil, err
	}
	registry, err := leveldb.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening user data: %s: %w", dir, err)
	}
	cache, err := dstore.Open(cfg.Datastore)
	if err != nil {
		registry.Close()
		return nil, err
	}
	opts := []store.Option{store.WithCache(cache)}
	if cfg.Gateway != "" {
		opts = append(opts, store.WithGateway(trustlessgateway.NewClient(cfg.Gateway, nil)))
	}
	userdata, err := store.NewUserDataStore(cCtx.Context, registry, afero.NewOsFs(), cfg.DataDir, opts...)
	if err != nil {
		cache.Close()
		registry.Close()
		return nil, err
	}
	return userdata, nil
}

// CurrentDrive opens the drive selected with `banyan drive use`.
func CurrentDrive(cCtx *cli.Context, cfg config.Config, userdata *store.UserDataStore) (*store.Drive, error) {
	curr, err := GetCurrent(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if !curr.Defined() {
		return nil, errors.New("no drive selected, use `banyan drive use <did>`")
	}
	return userdata.Drive(cCtx.Context, curr)
}

// Describe rewords block store failures for display.
func Describe(err error) error {
	switch {
	case errors.Is(err, car.ErrCorruptBlock):
		return fmt.Errorf("drive data corrupted: %w", err)
	case errors.Is(err, car.ErrBlockNotFound), errors.Is(err, block.ErrNotFound):
		return fmt.Errorf("block missing: %w", err)
	}
	return err
}
