package snapshot

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/forest-chain/forest-archive/archive"
	"github.com/forest-chain/forest-archive/blockstore"
	"github.com/forest-chain/forest-archive/columnstore"
	"github.com/forest-chain/forest-archive/config"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"
)

// HeadEpochProvider supplies the current chain head epoch to the GC
// scheduler. It is implemented by the surrounding chain follower; this
// engine has no chain logic of its own.
type HeadEpochProvider interface {
	HeadEpoch(ctx context.Context) (uint64, error)
}

// SyncStatusProvider supplies the {is-synced, has-active-forks} predicate
// the GC trigger gates on.
type SyncStatusProvider interface {
	SyncStatus(ctx context.Context) (synced bool, hasActiveForks bool, err error)
}

// EpochOfTipset resolves the epoch a tipset key names. State-tree
// interpretation lives outside this engine, so only the answer is
// consumed here.
type EpochOfTipset func(ctx context.Context, tsk archive.TipsetKey) (uint64, error)

// GC orchestrates the snapshot-collapse workflow: export an effective
// lite snapshot, swap it in, and truncate the writable backend.
type GC struct {
	Store       *blockstore.Store
	ArchivesDir string
	Config      config.Config

	HeadEpoch        HeadEpochProvider
	SyncStatus       SyncStatusProvider
	ArchiveHeadEpoch EpochOfTipset

	// Quiesce, if set, is called after a successful export and before the
	// writable backend is reset, giving the surrounding daemon a chance to
	// shut down long-lived TCP services holding it open.
	Quiesce func(ctx context.Context) error
}

// GCPlan is the dry-run preview of a GC cycle: which writable-backend
// graph blocks the walker's reachable set would retain versus drop,
// without mutating anything.
type GCPlan struct {
	Retain []cid.Cid
	Drop   []cid.Cid
}

// GCResult summarizes one completed GC cycle.
type GCResult struct {
	ArchivePath     string
	RemovedArchives []string
	RetainedBlocks  int
	DroppedBlocks   int
	ReplayedWrites  int
}

// ShouldRun evaluates the GC trigger: synced, no active forks, and the
// epoch gap between chain head and the store's current archive head
// meets the configured threshold.
func (g *GC) ShouldRun(ctx context.Context) (bool, error) {
	synced, hasForks, err := g.SyncStatus.SyncStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: gc: sync status: %w", err)
	}
	if !synced || hasForks {
		return false, nil
	}

	headEpoch, err := g.HeadEpoch.HeadEpoch(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: gc: head epoch: %w", err)
	}

	tsk, err := g.Store.HeaviestTipset(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: gc: store heaviest tipset: %w", err)
	}
	archiveEpoch, err := g.ArchiveHeadEpoch(ctx, tsk)
	if err != nil {
		return false, fmt.Errorf("snapshot: gc: archive head epoch: %w", err)
	}
	if archiveEpoch > headEpoch {
		return false, nil
	}
	return headEpoch-archiveEpoch >= g.Config.GCIntervalEpochs, nil
}

// Plan drains walker and reports which blocks currently in the writable
// backend's graph columns it would retain versus drop, without mutating
// the backend.
func (g *GC) Plan(ctx context.Context, walker archive.BlockIterator) (*GCPlan, error) {
	reachable := make(map[string]struct{})
	for {
		c, _, ok, err := walker.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: gc: plan: walk: %w", err)
		}
		if !ok {
			break
		}
		reachable[c.KeyString()] = struct{}{}
	}

	existing, err := g.Store.Writable().GraphKeys()
	if err != nil {
		return nil, fmt.Errorf("snapshot: gc: plan: enumerate graph keys: %w", err)
	}

	plan := &GCPlan{}
	for _, c := range existing {
		if _, ok := reachable[c.KeyString()]; ok {
			plan.Retain = append(plan.Retain, c)
		} else {
			plan.Drop = append(plan.Drop, c)
		}
	}
	return plan, nil
}

// Run executes one full collapse cycle: streaming export of walker's
// blocks rooted at headTipsetKey, concurrent capture of writes
// issued during the export, atomic swap-in of the fresh archive, a
// destructive reset of the writable backend's graph columns, deletion of
// older archives, and replay of the captured writes. It does not itself
// check ShouldRun — call that first, or use MaybeRun.
func (g *GC) Run(ctx context.Context, walker archive.BlockIterator, headTipsetKey archive.TipsetKey) (*GCResult, error) {
	ch := g.Store.SubscribeWriteOps()

	// The write-capture loop runs for the lifetime of the export and the
	// archive swap below, concurrently with both. It ends when ch is closed
	// (by Unsubscribe, or by the store's Reset) and eg.Wait() joins it; the
	// group's derived context is not used.
	eg, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var captured []columnstore.WriteOp
	eg.Go(func() error {
		for op := range ch {
			mu.Lock()
			captured = append(captured, op)
			mu.Unlock()
		}
		return nil
	})

	name := fmt.Sprintf("lite-%d", time.Now().UnixNano())
	exportResult, err := Export(ctx, g.ArchivesDir, name, headTipsetKey, walker, ExportOptions{})
	if err != nil {
		g.Store.Unsubscribe(ch)
		eg.Wait()
		return nil, fmt.Errorf("snapshot: gc: export: %w", err)
	}

	if g.Quiesce != nil {
		if err := g.Quiesce(ctx); err != nil {
			g.Store.Unsubscribe(ch)
			eg.Wait()
			return nil, fmt.Errorf("snapshot: gc: quiesce: %w", err)
		}
	}

	freshReader, err := archive.Open(exportResult.Path)
	if err != nil {
		g.Store.Unsubscribe(ch)
		eg.Wait()
		return nil, fmt.Errorf("snapshot: gc: open fresh archive: %w", err)
	}

	staleArchives := g.Store.Archives()
	g.Store.AddArchive(freshReader)

	var removed []string
	for _, r := range staleArchives {
		path := r.Path()
		if err := g.Store.RemoveArchive(r); err != nil {
			log.Warnf("snapshot: gc: close stale archive %s: %v", path, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("snapshot: gc: delete stale archive %s: %v", path, err)
		} else {
			removed = append(removed, path)
		}
	}

	if err := g.Store.Writable().Reset(); err != nil {
		g.Store.Unsubscribe(ch)
		eg.Wait()
		return nil, fmt.Errorf("snapshot: gc: reset writable backend: %w", err)
	}

	g.Store.Unsubscribe(ch)
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: gc: write capture: %w", err)
	}

	mu.Lock()
	toReplay := captured
	mu.Unlock()
	for _, op := range toReplay {
		if err := g.Store.Put(ctx, op.CID, op.Data); err != nil {
			return nil, fmt.Errorf("snapshot: gc: replay captured write %s: %w", op.CID, err)
		}
	}

	if err := g.restoreHead(ctx, headTipsetKey, freshReader); err != nil {
		return nil, fmt.Errorf("snapshot: gc: restore head: %w", err)
	}

	log.Infof("snapshot: gc cycle complete: archive=%s removed=%d replayed=%d",
		exportResult.Path, len(removed), len(toReplay))
	return &GCResult{
		ArchivePath:     exportResult.Path,
		RemovedArchives: removed,
		ReplayedWrites:  len(toReplay),
	}, nil
}

// restoreHead restores the tracked head-tipset key if it remains
// resolvable through the swapped store, and otherwise installs the
// freshly-exported head. The tracked key is the same headTipsetKey Run
// exported, so the common case is that it resolves trivially against
// the new archive; the
// fallback exists for the case where replayed writes or the fresh
// archive's own header disagree (e.g. a walker that pruned part of the
// requested tipset).
func (g *GC) restoreHead(ctx context.Context, tracked archive.TipsetKey, fresh *archive.Reader) error {
	resolvable := true
	for _, c := range tracked {
		ok, err := g.Store.Has(ctx, c)
		if err != nil {
			return err
		}
		if !ok {
			resolvable = false
			break
		}
	}
	if resolvable && len(tracked) > 0 {
		return g.Store.WriteHeadTipsetKey(tracked)
	}
	freshHead, err := fresh.HeaviestTipset(ctx)
	if err != nil {
		return err
	}
	return g.Store.WriteHeadTipsetKey(freshHead)
}

// MaybeRun checks ShouldRun and, if preconditions are met, executes Run.
// When preconditions are not met this logs and returns (nil, nil): an
// unmet precondition is skipped, not an error, and the next scheduler
// tick retries.
func (g *GC) MaybeRun(ctx context.Context, walker archive.BlockIterator, headTipsetKey archive.TipsetKey) (*GCResult, error) {
	ok, err := g.ShouldRun(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Infof("snapshot: gc: preconditions not met, skipping this tick")
		return nil, nil
	}
	return g.Run(ctx, walker, headTipsetKey)
}
