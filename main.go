package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/boot"
	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/keyprovider"
	"github.com/openanolis/cryptpilot-go/pkg/luks"
	"github.com/openanolis/cryptpilot-go/pkg/mkfs"
	"github.com/openanolis/cryptpilot-go/pkg/refvalue"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const version = "0.1.0"

// resolveSource picks the process-wide ConfigSource for a one-shot CLI
// invocation: the initrd handoff file takes precedence once it exists
// (spec §4.1), otherwise the default filesystem-backed singleton is used.
func resolveSource() config.Source {
	if config.InitrdStateExists() {
		return config.NewInitrdStateSource()
	}
	return config.GetSource()
}

func volumeByName(ctx context.Context, name string) (types.VolumeConfig, error) {
	return config.GetVolumeConfig(ctx, resolveSource(), name)
}

var volumeCmds = []*cli.Command{
	{
		Name:      "open",
		Usage:     "open a configured volume, fetching its key and activating the LUKS2 mapping",
		ArgsUsage: "<volume>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one volume name")
			}
			name := c.Args().Get(0)
			ctx := c.Context
			r := runner.New(cplog.Default)

			vc, err := volumeByName(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to load config for volume %s: %w", name, err)
			}

			provider, err := keyprovider.New(vc.Encrypt.KeyProvider, r, cplog.Default)
			if err != nil {
				return fmt.Errorf("failed to build key provider for volume %s: %w", name, err)
			}
			passphrase, err := provider.GetKey(ctx)
			if err != nil {
				return fmt.Errorf("failed to obtain passphrase for volume %s: %w", name, err)
			}

			engine := luks.New(r, cplog.Default)
			if err := engine.OpenWithCheckPassphrase(ctx, vc.Volume, vc.Dev, passphrase, vc.IntegrityType()); err != nil {
				return fmt.Errorf("failed to open volume %s: %w", name, err)
			}
			cplog.Default.Infof("opened volume %s at /dev/mapper/%s", name, vc.Volume)
			return nil
		},
	},
	{
		Name:      "close",
		Usage:     "close a previously opened volume",
		ArgsUsage: "<volume>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one volume name")
			}
			name := c.Args().Get(0)
			r := runner.New(cplog.Default)
			engine := luks.New(r, cplog.Default)
			if err := engine.Close(c.Context, name); err != nil {
				return fmt.Errorf("failed to close volume %s: %w", name, err)
			}
			cplog.Default.Infof("closed volume %s", name)
			return nil
		},
	},
	{
		Name:      "makefs",
		Usage:     "create a filesystem on an already-open volume's mapped device",
		ArgsUsage: "<volume>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one volume name")
			}
			name := c.Args().Get(0)
			ctx := c.Context

			vc, err := volumeByName(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to load config for volume %s: %w", name, err)
			}
			if vc.Extra.MakeFs == nil {
				return fmt.Errorf("volume %s has no makefs configured", name)
			}

			label := ""
			if vc.Extra.MakeFsLabel != nil {
				label = *vc.Extra.MakeFsLabel
			}

			r := runner.New(cplog.Default)
			engine := mkfs.New(r, cplog.Default)
			dev := fmt.Sprintf("/dev/mapper/%s", vc.Volume)
			if err := engine.ForceMkfs(ctx, dev, *vc.Extra.MakeFs, label, vc.IntegrityType()); err != nil {
				return fmt.Errorf("failed to create filesystem on volume %s: %w", name, err)
			}
			cplog.Default.Infof("created %s filesystem on volume %s", *vc.Extra.MakeFs, name)
			return nil
		},
	},
}

var stageCmd = &cli.Command{
	Name:  "run-stage",
	Usage: "run one of the three boot stages driven externally by the init system",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "stage",
			Usage:    "one of initrd-fde-before-sysroot, initrd-fde-after-sysroot, system-volumes-auto-open",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		stage := boot.Stage(c.String("stage"))
		if !stage.Valid() {
			return fmt.Errorf("unknown boot stage %q", c.String("stage"))
		}

		r := runner.New(cplog.Default)
		orchestrator := boot.New(resolveSource(), r, cplog.Default)
		return orchestrator.RunStage(c.Context, stage)
	},
}

var refvalueAlgoFlag = &cli.StringSliceFlag{
	Name:  "algo",
	Usage: "digest algorithm to compute (sha1, sha256, sha384, sm3); repeatable, defaults to all four",
}

func parseDigestAlgorithms(names []string) ([]types.DigestAlgorithm, error) {
	var algos []types.DigestAlgorithm
	for _, n := range names {
		algo := types.DigestAlgorithm(strings.ToLower(n))
		if !algo.Valid() {
			return nil, fmt.Errorf("unsupported digest algorithm %q", n)
		}
		algos = append(algos, algo)
	}
	return algos, nil
}

var refvalueCmd = &cli.Command{
	Name:  "refvalue",
	Usage: "reference-value extraction subcommands",
	Subcommands: []*cli.Command{
		{
			Name:  "extract",
			Usage: "extract boot-artifact reference values from a disk or disk image",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "disk",
					Usage: "block device or disk image path (local path or http(s) URL); defaults to the running system",
				},
				&cli.StringFlag{
					Name:  "download-dir",
					Usage: "directory to fetch a remote --disk image into before attaching it",
				},
				refvalueAlgoFlag,
			},
			Action: func(c *cli.Context) error {
				ctx := c.Context
				r := runner.New(cplog.Default)
				algos, err := parseDigestAlgorithms(c.StringSlice("algo"))
				if err != nil {
					return err
				}

				var disk refvalue.FdeDisk
				if diskArg := c.String("disk"); diskArg == "" {
					disk, err = refvalue.NewCurrentSystemDisk(ctx, r)
					if err != nil {
						return fmt.Errorf("failed to open the running system as a disk: %w", err)
					}
				} else {
					path, _, err := refvalue.FetchDiskImage(ctx, c.String("download-dir"), diskArg)
					if err != nil {
						return fmt.Errorf("failed to resolve disk image %s: %w", diskArg, err)
					}
					ext, err := refvalue.NewExternalDisk(ctx, r, cplog.Default, path)
					if err != nil {
						return fmt.Errorf("failed to open disk %s: %w", path, err)
					}
					defer ext.Close(ctx)
					disk = ext
				}

				values, err := refvalue.ExtractReferenceValues(ctx, disk, r, cplog.Default, algos)
				if err != nil {
					return fmt.Errorf("failed to extract reference values: %w", err)
				}

				for _, key := range values.Keys() {
					for _, v := range values.Get(key) {
						fmt.Printf("%s %s\n", key, v)
					}
				}
				return nil
			},
		},
	},
}

var cmds = []*cli.Command{
	{
		Name:        "volume",
		Usage:       "volume lifecycle subcommands",
		Subcommands: volumeCmds,
	},
	stageCmd,
	refvalueCmd,
}

func main() {
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug log output",
				EnvVars: []string{"CRYPTPILOT_DEBUG"},
			},
		},
		Name:    "cryptpilot",
		Version: version,
		Usage:   "full-disk-encryption control plane and boot-time orchestrator",
		Before: func(c *cli.Context) error {
			cplog.SetVerbose(c.Bool("debug"))
			return nil
		},
		Commands: cmds,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
