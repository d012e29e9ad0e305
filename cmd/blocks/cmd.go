package blocks

import (
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/banyan/cmd/util"
	"github.com/urfave/cli/v2"
)

func parseCid(cCtx *cli.Context) (cid.Cid, error) {
	c, err := cid.Parse(cCtx.Args().Get(0))
	if err != nil {
		return cid.Undef, fmt.Errorf("parsing CID: %w", err)
	}
	return c, nil
}

var Put = &cli.Command{
	Name:      "put",
	Usage:     "Store a block read from a file (or stdin) in the current drive",
	Args:      true,
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "codec",
			Usage: "multicodec name of the block",
			Value: multicodec.Raw.String(),
		},
	},
	Action: func(cCtx *cli.Context) error {
		var codec multicodec.Code
		if err := codec.Set(cCtx.String("codec")); err != nil {
			return fmt.Errorf("parsing codec: %w", err)
		}
		var r io.Reader = os.Stdin
		if name := cCtx.Args().Get(0); name != "" && name != "-" {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading block: %w", err)
		}
		return util.WithDrive(cCtx, func(env util.Env) error {
			c, err := env.Drive.Put(cCtx.Context, data, codec)
			if err != nil {
				return err
			}
			fmt.Println(c)
			return nil
		})
	},
}

var Get = &cli.Command{
	Name:      "get",
	Usage:     "Write a block to stdout",
	Args:      true,
	ArgsUsage: "<cid>",
	Action: func(cCtx *cli.Context) error {
		c, err := parseCid(cCtx)
		if err != nil {
			return err
		}
		return util.WithDrive(cCtx, func(env util.Env) error {
			data, err := env.Drive.Get(cCtx.Context, c)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		})
	},
}

var Remove = &cli.Command{
	Name:      "rm",
	Usage:     "Stop syncing a block and delete it remotely on the next push",
	Aliases:   []string{"remove"},
	Args:      true,
	ArgsUsage: "<cid>",
	Action: func(cCtx *cli.Context) error {
		c, err := parseCid(cCtx)
		if err != nil {
			return err
		}
		return util.WithDrive(cCtx, func(env util.Env) error {
			return env.Drive.Delete(cCtx.Context, c)
		})
	},
}

var Root = &cli.Command{
	Name:  "root",
	Usage: "Print the root of the current drive",
	Action: func(cCtx *cli.Context) error {
		return util.WithDrive(cCtx, func(env util.Env) error {
			root, err := env.Drive.Root(cCtx.Context)
			if err != nil {
				return err
			}
			fmt.Println(root)
			return nil
		})
	},
	Subcommands: []*cli.Command{
		{
			Name:      "set",
			Usage:     "Set the root of the current drive",
			Args:      true,
			ArgsUsage: "<cid>",
			Action: func(cCtx *cli.Context) error {
				c, err := parseCid(cCtx)
				if err != nil {
					return err
				}
				return util.WithDrive(cCtx, func(env util.Env) error {
					return env.Drive.SetRoot(cCtx.Context, c)
				})
			},
		},
	},
}

func listDeltas(cCtx *cli.Context) error {
	return util.WithDrive(cCtx, func(env util.Env) error {
		ms := env.Drive.Blocks()
		for i := 0; i < ms.Deltas(); i++ {
			d := ms.Delta(i)
			root, err := d.Root(cCtx.Context)
			if err != nil {
				return err
			}
			marker := " "
			if i == ms.Deltas()-1 {
				marker = "*"
			}
			fmt.Printf("%s %s\t%d blocks\t%s\n", marker, d.Path(), d.Len(), root)
		}
		return nil
	})
}

var Delta = &cli.Command{
	Name:   "delta",
	Usage:  "Manage the deltas of the current drive",
	Action: listDeltas,
	Subcommands: []*cli.Command{
		{
			Name:    "ls",
			Usage:   "List deltas, oldest first",
			Aliases: []string{"list"},
			Action:  listDeltas,
		},
		{
			Name:  "add",
			Usage: "Seal the current delta and start a new one",
			Action: func(cCtx *cli.Context) error {
				return util.WithDrive(cCtx, func(env util.Env) error {
					if err := env.Drive.AddDelta(cCtx.Context); err != nil {
						return err
					}
					fmt.Println(env.Drive.Blocks().Current().Path())
					return nil
				})
			},
		},
	},
}

var Status = &cli.Command{
	Name:  "status",
	Usage: "Show changes not yet pushed",
	Action: func(cCtx *cli.Context) error {
		return util.WithDrive(cCtx, func(env util.Env) error {
			info, err := env.UserData.DriveInfo(cCtx.Context, env.Drive.ID())
			if err != nil {
				return err
			}
			tr := env.Drive.Tracker()
			fmt.Printf("drive:    %s %s\n", info.ID, info.Name)
			fmt.Printf("deltas:   %d\n", env.Drive.Blocks().Deltas())
			if info.Metadata.Defined() {
				fmt.Printf("pushed:   %s\n", info.Metadata)
			}
			fmt.Printf("tracked:  %d blocks (%s)\n", len(tr.Tracked()), units.HumanSize(float64(tr.TrackedSize())))
			fmt.Printf("deleted:  %d blocks\n", len(tr.Deleted()))
			return nil
		})
	},
}

// Commands operate on the current drive.
var Commands = []*cli.Command{Put, Get, Remove, Root, Delta, Status}
