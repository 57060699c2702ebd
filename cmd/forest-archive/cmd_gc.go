package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/forest-chain/forest-archive/archive"
	"github.com/forest-chain/forest-archive/snapshot"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// fixedHeadEpoch and fixedSyncStatus stand in for the chain follower's
// HeadEpochProvider/SyncStatusProvider; this binary has no chain logic of
// its own, so it takes the operator's word for both at the CLI.
type fixedHeadEpoch uint64

func (f fixedHeadEpoch) HeadEpoch(context.Context) (uint64, error) { return uint64(f), nil }

type fixedSyncStatus struct{ synced, forked bool }

func (f fixedSyncStatus) SyncStatus(context.Context) (bool, bool, error) {
	return f.synced, f.forked, nil
}

// zeroEpochOfTipset always reports epoch zero for a tracked tipset, making
// ShouldRun's epoch-gap trigger degrade to "head epoch reaches or
// exceeds the configured interval" when no real archive-epoch resolver is wired in.
func zeroEpochOfTipset(context.Context, archive.TipsetKey) (uint64, error) { return 0, nil }

func newCmd_GC() *cli.Command {
	var dataDir string
	var headEpoch uint64
	var synced bool
	var forked bool
	var dryRun bool
	var follow bool
	var roots cli.StringSlice

	return &cli.Command{
		Name:        "gc",
		Usage:       "Run (or preview) one snapshot-collapse GC cycle",
		Description: "Exports an effective lite snapshot rooted at --root, swaps it in, and truncates the writable backend, per the configured GC interval.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Destination: &dataDir, Required: true},
			&cli.Uint64Flag{Name: "head-epoch", Usage: "current chain head epoch, as reported by the chain follower", Destination: &headEpoch, Required: true},
			&cli.BoolFlag{Name: "synced", Usage: "whether the chain follower considers itself synced", Destination: &synced, Value: true},
			&cli.BoolFlag{Name: "forked", Usage: "whether the chain follower sees active competing forks", Destination: &forked},
			&cli.BoolFlag{Name: "dry-run", Usage: "print the retain/drop plan without mutating anything", Destination: &dryRun},
			&cli.BoolFlag{Name: "follow", Usage: "keep running, re-evaluating the GC trigger every check interval", Destination: &follow},
			&cli.StringSliceFlag{Name: "root", Usage: "tracked head tipset CID (repeatable)", Destination: &roots, Required: true},
		},
		Action: func(c *cli.Context) error {
			store, err := openStoreForExport(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			headTipsetKey := make(archive.TipsetKey, 0, len(roots.Value()))
			for _, s := range roots.Value() {
				parsed, err := cid.Parse(s)
				if err != nil {
					return fmt.Errorf("parse root %q: %w", s, err)
				}
				headTipsetKey = append(headTipsetKey, parsed)
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

			g := &snapshot.GC{
				Store:            store,
				ArchivesDir:      filepath.Join(dataDir, "archives"),
				Config:           globalConfig,
				HeadEpoch:        fixedHeadEpoch(headEpoch),
				SyncStatus:       fixedSyncStatus{synced: synced, forked: forked},
				ArchiveHeadEpoch: zeroEpochOfTipset,
			}

			if dryRun {
				plan, err := g.Plan(c.Context, walker)
				if err != nil {
					return fmt.Errorf("gc plan: %w", err)
				}
				fmt.Printf("retain: %d blocks\ndrop: %d blocks\n", len(plan.Retain), len(plan.Drop))
				return nil
			}

			if follow {
				sched := &snapshot.Scheduler{
					GC: g,
					// A walker is single-use, so each tick re-enumerates
					// whatever is in the writable backend at that moment.
					Source: func(ctx context.Context) (archive.BlockIterator, archive.TipsetKey, error) {
						graphKeys, err := store.Writable().GraphKeys()
						if err != nil {
							return nil, nil, fmt.Errorf("enumerate graph keys: %w", err)
						}
						persistentKeys, err := store.Writable().PersistentKeys()
						if err != nil {
							return nil, nil, fmt.Errorf("enumerate persistent keys: %w", err)
						}
						return &storeWalker{store: store, cids: append(graphKeys, persistentKeys...)}, headTipsetKey, nil
					},
				}
				klog.Infof("gc scheduler running, checking every %ds", globalConfig.GCCheckIntervalSeconds)
				return sched.Run(c.Context)
			}

			result, err := g.MaybeRun(c.Context, walker, headTipsetKey)
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			if result == nil {
				klog.Info("gc preconditions not met, skipped")
				return nil
			}
			klog.Infof("gc cycle complete: archive=%s removed=%d replayed=%d",
				result.ArchivePath, len(result.RemovedArchives), result.ReplayedWrites)
			return nil
		},
	}
}
