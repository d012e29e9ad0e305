package util

import (
	"github.com/storacha/banyan/config"
	"github.com/storacha/banyan/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

// Env is what a command needs to work on the current drive.
type Env struct {
	Config   config.Config
	UserData *store.UserDataStore
	Drive    *store.Drive
}

// WithUserData runs fn with the user data store open.
func WithUserData(cCtx *cli.Context, fn func(cfg config.Config, userdata *store.UserDataStore) error) (err error) {
	cfg, err := Config(cCtx)
	if err != nil {
		return err
	}
	userdata, err := UserDataStore(cCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, userdata.Close())
	}()
	return fn(cfg, userdata)
}

// WithDrive runs fn with the current drive open. The drive is flushed and
// closed afterwards and block store failures are reworded for display.
func WithDrive(cCtx *cli.Context, fn func(env Env) error) error {
	return WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) (err error) {
		d, err := CurrentDrive(cCtx, cfg, userdata)
		if err != nil {
			return Describe(err)
		}
		defer func() {
			err = multierr.Append(err, d.Close())
		}()
		return Describe(fn(Env{cfg, userdata, d}))
	})
}
