package drive

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/banyan/cmd/util"
	"github.com/storacha/banyan/config"
	"github.com/storacha/banyan/store"
	"github.com/storacha/go-ucanto/did"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("cmd/drive")

func listDrives(cCtx *cli.Context) error {
	return util.WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) error {
		drives, err := userdata.Drives(cCtx.Context)
		if err != nil {
			return err
		}
		curr, err := util.GetCurrent(cfg.DataDir)
		if err != nil {
			return err
		}
		for _, d := range drives {
			if curr.Defined() && d.ID == curr {
				fmt.Printf("* %s %s\n", d.ID, d.Name)
			} else {
				fmt.Printf("  %s %s\n", d.ID, d.Name)
			}
		}
		fmt.Printf("%d total\n", len(drives))
		return nil
	})
}

var Command = &cli.Command{
	Name:   "drive",
	Usage:  "Manage drives",
	Action: listDrives,
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "Create a new drive",
			Aliases:   []string{"new"},
			Args:      true,
			ArgsUsage: "<name>",
			Action: func(cCtx *cli.Context) error {
				return util.WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) error {
					id, err := userdata.AddDrive(cCtx.Context, cCtx.Args().Get(0))
					if err != nil {
						return err
					}
					// create the first delta
					d, err := userdata.Drive(cCtx.Context, id)
					if err != nil {
						return err
					}
					if err := d.Close(); err != nil {
						return err
					}
					fmt.Println(id)
					curr, err := util.GetCurrent(cfg.DataDir)
					if err != nil {
						return err
					}
					if curr == did.Undef {
						return util.SetCurrent(cfg.DataDir, id)
					}
					return nil
				})
			},
		},
		{
			Name:    "ls",
			Usage:   "List drives",
			Aliases: []string{"list"},
			Action:  listDrives,
		},
		{
			Name:      "use",
			Usage:     "Select the drive other commands operate on",
			Args:      true,
			ArgsUsage: "<id>",
			Action: func(cCtx *cli.Context) error {
				return util.WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) error {
					id, err := did.Parse(cCtx.Args().Get(0))
					if err != nil {
						return fmt.Errorf("parsing drive DID: %w", err)
					}
					info, err := userdata.DriveInfo(cCtx.Context, id)
					if err != nil {
						return err
					}
					log.Infof("using drive %q: %s", info.Name, id)
					return util.SetCurrent(cfg.DataDir, id)
				})
			},
		},
		{
			Name:      "rm",
			Usage:     "Remove a drive and its local data",
			Aliases:   []string{"remove"},
			Args:      true,
			ArgsUsage: "<id>",
			Action: func(cCtx *cli.Context) error {
				return util.WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) error {
					id, err := did.Parse(cCtx.Args().Get(0))
					if err != nil {
						return fmt.Errorf("parsing drive DID: %w", err)
					}
					if err := userdata.RemoveDrive(cCtx.Context, id); err != nil {
						return err
					}
					curr, err := util.GetCurrent(cfg.DataDir)
					if err != nil {
						return err
					}
					if curr == id {
						return util.SetCurrent(cfg.DataDir, did.Undef)
					}
					return nil
				})
			},
		},
	},
}
