package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/forest-chain/forest-archive/blockstore"
	"github.com/forest-chain/forest-archive/columnstore"
	"github.com/forest-chain/forest-archive/framecache"
	"github.com/forest-chain/forest-archive/snapshot"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// storeWalker adapts a fixed list of CIDs resolved against a
// *blockstore.Store into an archive.BlockIterator. The real graph walker
// belongs to the surrounding node; this is the CLI's own trivial
// stand-in, used to re-export whatever is currently reachable through
// the store rather than to interpret chain structure.
type storeWalker struct {
	store *blockstore.Store
	cids  []cid.Cid
	i     int
}

func (w *storeWalker) Next(ctx context.Context) (cid.Cid, []byte, bool, error) {
	for w.i < len(w.cids) {
		c := w.cids[w.i]
		w.i++
		data, err := w.store.Get(ctx, c)
		if err != nil {
			return cid.Undef, nil, false, fmt.Errorf("resolve %s: %w", c, err)
		}
		if data == nil {
			continue
		}
		return c, data, true, nil
	}
	return cid.Undef, nil, false, nil
}

func openStoreForExport(dataDir string) (*blockstore.Store, error) {
	cs, err := columnstore.Open(filepath.Join(dataDir, "writable"))
	if err != nil {
		return nil, fmt.Errorf("open writable backend: %w", err)
	}
	cache, err := framecache.New(globalConfig.FrameCacheBudget)
	if err != nil {
		cs.Close()
		return nil, fmt.Errorf("build frame cache: %w", err)
	}
	store := blockstore.New(cs, cache)
	archivesDir := filepath.Join(dataDir, "archives")
	readers, err := blockstore.LoadArchives(archivesDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load archives: %w", err)
	}
	for _, r := range readers {
		store.AddArchive(r)
	}
	return store, nil
}

func newCmd_Export() *cli.Command {
	var dataDir string
	var outName string
	var roots cli.StringSlice

	return &cli.Command{
		Name:        "export",
		Usage:       "Export the writable backend's currently-reachable blocks into a new archive",
		Description: "Streams every block keyed in the writable backend's graph and persistent columns into a fresh Forest CAR archive, named with the given root CIDs. Blocks held only in already-loaded archives are not included.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Usage: "directory holding the writable backend and archives/ subdirectory", Destination: &dataDir, Required: true},
			&cli.StringFlag{Name: "name", Usage: "base name for the exported archive (without suffix)", Destination: &outName, Required: true},
			&cli.StringSliceFlag{Name: "root", Usage: "root CID for the exported archive's header (repeatable)", Destination: &roots},
		},
		Action: func(c *cli.Context) error {
			store, err := openStoreForExport(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			rootCIDs := make([]cid.Cid, 0, len(roots.Value()))
			for _, s := range roots.Value() {
				parsed, err := cid.Parse(s)
				if err != nil {
					return fmt.Errorf("parse root %q: %w", s, err)
				}
				rootCIDs = append(rootCIDs, parsed)
			}
			if len(rootCIDs) == 0 {
				return fmt.Errorf("at least one --root is required")
			}

			graphKeys, err := store.Writable().GraphKeys()
			if err != nil {
				return fmt.Errorf("enumerate graph keys: %w", err)
			}
			persistentKeys, err := store.Writable().PersistentKeys()
			if err != nil {
				return fmt.Errorf("enumerate persistent keys: %w", err)
			}
			walker := &storeWalker{store: store, cids: append(graphKeys, persistentKeys...)}

			archivesDir := filepath.Join(dataDir, "archives")
			result, err := snapshot.Export(c.Context, archivesDir, outName, rootCIDs, walker, snapshot.ExportOptions{})
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			klog.Infof("exported %s (digest %s)", result.Path, result.Digest)
			fmt.Println(result.Path)
			return nil
		},
	}
}
