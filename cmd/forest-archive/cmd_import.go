package main

import (
	"fmt"

	"github.com/forest-chain/forest-archive/snapshot"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func newCmd_Import() *cli.Command {
	var archivesDir string
	var mode string

	return &cli.Command{
		Name:      "import",
		Usage:     "Import a local file or URL as a Forest archive",
		ArgsUsage: "<path-or-url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "archives-dir", Usage: "destination directory for the installed archive", Destination: &archivesDir, Required: true},
			&cli.StringFlag{Name: "mode", Usage: "auto, copy, move, symlink or hardlink", Destination: &mode, Value: string(snapshot.ModeAuto)},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument: a path or URL")
			}
			result, err := snapshot.Import(c.Context, c.Args().First(), archivesDir, snapshot.ImportOptions{
				Mode: snapshot.ImportMode(mode),
			})
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			klog.Infof("imported %s, heaviest tipset %v", result.Path, result.HeaviestTipset)
			fmt.Println(result.Path)
			return nil
		},
	}
}
