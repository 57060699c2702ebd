package main

import (
	"fmt"

	"github.com/forest-chain/forest-archive/archive"

	"github.com/urfave/cli/v2"
)

func newCmd_Inspect() *cli.Command {
	var full bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a Forest archive's roots, index size and (optionally) a full validation report",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "walk every frame and check CIDs, not just open the header and index", Destination: &full},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument: an archive path")
			}
			path := c.Args().First()

			r, err := archive.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer r.Close()

			fmt.Printf("path: %s\n", r.Path())
			fmt.Printf("archive id: %s\n", r.ArchiveID())
			fmt.Printf("index size: %d bytes\n", r.IndexSize())
			fmt.Println("roots:")
			for _, root := range r.Roots() {
				fmt.Printf("  %s\n", root)
			}

			tsk, err := r.HeaviestTipset(c.Context)
			if err != nil {
				return fmt.Errorf("resolve heaviest tipset: %w", err)
			}
			fmt.Printf("heaviest tipset: %v\n", tsk)

			if meta, err := r.Metadata(c.Context); err == nil && meta != nil {
				fmt.Printf("v2 metadata: version=%d head=%v f3Data=%v\n", meta.Version, meta.HeadTipsetKey, meta.F3Data)
			}

			if !full {
				return nil
			}

			report, err := r.Validate(c.Context)
			if err != nil {
				return fmt.Errorf("validate %s: %w", path, err)
			}
			fmt.Printf("validation: records=%d cid-mismatches=%d orphaned-index-entries=%d valid=%v\n",
				report.RecordsValidated, report.CIDMismatches, report.OrphanedIndexEntries, report.Valid())
			return nil
		},
	}
}
