package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/banyan/cmd/blocks"
	"github.com/storacha/banyan/cmd/drive"
	"github.com/storacha/banyan/cmd/util"
	"github.com/storacha/banyan/config"
	"github.com/storacha/banyan/remote"
	"github.com/storacha/banyan/store"
	"github.com/storacha/banyan/trustlessgateway"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("cmd")

func main() {
	app := &cli.App{
		Name:  "banyan",
		Usage: "Store and sync BanyanFS drives.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "datadir",
				Aliases: []string{"d"},
				Usage:   "path to store application data",
				EnvVars: []string{"BANYAN_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a config file (default <datadir>/config.yaml)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug output",
			},
		},
		Before: func(cCtx *cli.Context) error {
			if cCtx.Bool("verbose") {
				logging.SetLogLevel("*", "debug")
			} else {
				logging.SetLogLevel("*", "error")
			}
			return nil
		},
		Commands: append([]*cli.Command{
			{
				Name:  "whodis",
				Usage: "Print your agent DID",
				Action: func(cCtx *cli.Context) error {
					return util.WithUserData(cCtx, func(cfg config.Config, userdata *store.UserDataStore) error {
						id, err := userdata.ID(cCtx.Context)
						if err != nil {
							return err
						}
						fmt.Println(id.DID().String())
						return nil
					})
				},
			},
			drive.Command,
			{
				Name:  "push",
				Usage: "Push local changes of the current drive to the remote",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "key",
						Usage: "fingerprint of a key allowed to read the drive",
					},
				},
				Action: push,
			},
			{
				Name:  "serve",
				Usage: "Serve blocks of the current drive over a trustless gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "address to listen on",
						Value: ":8080",
					},
				},
				Action: serve,
			},
		}, blocks.Commands...),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func push(cCtx *cli.Context) error {
	return util.WithDrive(cCtx, func(env util.Env) error {
		threshold, err := env.Config.Threshold()
		if err != nil {
			return err
		}
		agent, err := env.UserData.ID(cCtx.Context)
		if err != nil {
			return err
		}
		info, err := env.UserData.DriveInfo(cCtx.Context, env.Drive.ID())
		if err != nil {
			return err
		}

		client := remote.NewClient(env.Config.Endpoint, agent)
		syncer := remote.NewSyncer(env.Drive.ID(), env.Drive, client, threshold)
		res, err := syncer.Push(cCtx.Context, remote.PushOptions{
			Previous:  info.Metadata,
			ValidKeys: cCtx.StringSlice("key"),
		})
		if err != nil {
			var serr *remote.StatusError
			if errors.As(err, &serr) {
				log.Errorf("remote responded %d: %s", serr.StatusCode, serr.Body)
			}
			return err
		}
		if err := env.UserData.SetMetadata(cCtx.Context, env.Drive.ID(), res.Metadata); err != nil {
			return err
		}
		fmt.Printf("pushed %s: %d blocks, %d deletions\n", res.Metadata, res.Uploaded, res.Deleted)
		if res.Missing > 0 {
			fmt.Printf("%d tracked blocks were missing locally and have been dropped\n", res.Missing)
		}
		return nil
	})
}

func serve(cCtx *cli.Context) error {
	return util.WithDrive(cCtx, func(env util.Env) error {
		addr := cCtx.String("addr")
		srv := trustlessgateway.NewServer(env.Drive)
		fmt.Printf("serving drive %s on %s\n", env.Drive.ID(), addr)
		return http.ListenAndServe(addr, srv)
	})
}
