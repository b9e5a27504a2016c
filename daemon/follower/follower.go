// Package follower implements the metastore follower: a single-writer
// control loop that keeps the authorization store synchronized with an
// upstream Hive metastore by consuming its notification log and, when the
// log cannot be consumed safely, re-basing from a full snapshot.
//
// The loop is strictly single-threaded; everything it shares with request
// handlers goes through the store and its CounterWait. Exactly one replica
// cluster-wide is expected to pass the leader gate at a time.
package follower

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/liang0/sentry/daemon/metastore"
	"github.com/liang0/sentry/pkg/counterwait"
	"github.com/pkg/errors"
)

// emptyImageID is the sentinel returned by createFullSnapshot when the
// snapshot was abandoned without persisting anything.
const emptyImageID int64 = -1

// Store is the slice of the persistence gateway the follower drives. The
// bolt-backed store in daemon/store satisfies it.
type Store interface {
	GetMaxNotificationID() (int64, error)
	GetLastImageID() (int64, error)
	IsNotificationsEmpty() (bool, error)
	IsPathSnapshotEmpty() (bool, error)
	PersistFullImage(paths map[string][]string, imageID int64) error
	PersistLastProcessedID(id int64) error
	CounterWait() *counterwait.CounterWait
}

// Config carries the follower's deployment parameters.
type Config struct {
	// ServerName is the authorization server scope used by the default
	// processor.
	ServerName string
	// HDFSSync enables path-image maintenance: snapshot decision rule #2
	// and persistence of path mappings.
	HDFSSync bool
	// PollInterval is the tick period.
	PollInterval time.Duration
	// Clock drives the tick scheduler; nil means the wall clock. Tests
	// install a fake clock.
	Clock clock.Clock
	// Leader gates ingestion; nil means single-node mode, always leader.
	Leader LeaderMonitor
	// Refresh, when non-nil, lets operators force a snapshot rebuild.
	Refresh *RefreshSignal
	// Processor overrides the default event translation; nil installs the
	// authorization processor.
	Processor Processor
	// ReadyOut receives the one-time ready marker; nil means stdout.
	ReadyOut io.Writer
}

// Follower runs the control loop. Create with New, drive with Run.
type Follower struct {
	store     Store
	client    metastore.Client
	fetcher   *metastore.Fetcher
	processor Processor
	leader    LeaderMonitor
	refresh   *RefreshSignal
	clk       clock.Clock
	interval  time.Duration
	hdfsSync  bool
	status    *Status
	readyOut  io.Writer
	readyOnce sync.Once
}

// New assembles a follower around the given store and upstream transport.
// fetcher must wrap client.
func New(st Store, client metastore.Client, fetcher *metastore.Fetcher, cfg Config) *Follower {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	proc := cfg.Processor
	if proc == nil {
		proc = NewAuthzProcessor(st.(ChangeApplier), cfg.ServerName, cfg.HDFSSync)
	}
	out := cfg.ReadyOut
	if out == nil {
		out = os.Stdout
	}
	return &Follower{
		store:     st,
		client:    client,
		fetcher:   fetcher,
		processor: proc,
		leader:    leaderOrDefault(cfg.Leader),
		refresh:   cfg.Refresh,
		clk:       clk,
		interval:  cfg.PollInterval,
		hdfsSync:  cfg.HDFSSync,
		status:    &Status{},
		readyOut:  out,
	}
}

// Status returns the follower's live status handle.
func (f *Follower) Status() *Status {
	return f.status
}

// Leader reports whether this replica currently holds leadership.
func (f *Follower) Leader() bool {
	return f.leader.IsLeader()
}

// Run ticks the follower until ctx is cancelled, then releases the upstream
// transport. The first tick fires immediately.
func (f *Follower) Run(ctx context.Context) error {
	ticker := f.clk.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.Close()

	f.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			f.tick(ctx)
		}
	}
}

// Close releases the upstream connection and the fetcher's resources.
func (f *Follower) Close() error {
	f.disconnect(context.Background())
	return f.fetcher.Close()
}

// tick is one full pass of the loop. It never panics out and never lets an
// error escape: every failure is logged and retried on the next tick.
func (f *Follower) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.G(ctx).Errorf("follower tick panicked: %v", r)
			f.disconnect(ctx)
		}
	}()
	tickCounter.Inc()

	maxID, err := f.store.GetMaxNotificationID()
	if err != nil {
		log.G(ctx).WithError(err).Error("reading max notification id, will retry")
		return
	}
	// Wake waiters before the leader gate so clients pinned to ids that are
	// already durable unblock on non-leader replicas too.
	f.wakeWaiters(ctx, maxID)

	if !f.leader.IsLeader() {
		f.disconnect(ctx)
		return
	}
	f.syncWithUpstream(ctx, maxID)
}

// syncWithUpstream is the leader half of a tick: connect, decide between
// snapshot and increment, and drain the notification log.
func (f *Follower) syncWithUpstream(ctx context.Context, maxID int64) {
	if err := f.client.Connect(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("connecting to metastore, will retry")
		return
	}
	f.status.setConnected(true)

	needSnapshot, reason, err := f.needsFullSnapshot(ctx, maxID)
	if err != nil {
		log.G(ctx).WithError(err).Error("evaluating snapshot decision")
		f.disconnect(ctx)
		return
	}
	if needSnapshot {
		log.G(ctx).WithField("reason", reason).Info("full snapshot required")
		if _, err := f.createFullSnapshot(ctx); err != nil {
			log.G(ctx).WithError(err).Error("full snapshot failed, will retry")
			f.disconnect(ctx)
		}
		return
	}

	events, err := f.fetcher.Fetch(ctx, maxID)
	switch {
	case metastore.IsOutOfSync(err):
		// The upstream truncated its log past our position; only a fresh
		// image can recover.
		log.G(ctx).WithField("after", maxID).Warn("notification log out of sync, re-basing from snapshot")
		if _, serr := f.createFullSnapshot(ctx); serr != nil {
			log.G(ctx).WithError(serr).Error("recovery snapshot failed, will retry")
			f.disconnect(ctx)
		}
		return
	case err != nil:
		log.G(ctx).WithError(err).Warn("fetching notifications")
		f.disconnect(ctx)
		return
	}

	f.markReady()
	if err := f.processBatch(ctx, maxID, events); err != nil {
		log.G(ctx).WithError(err).Error("processing notification batch")
		f.disconnect(ctx)
	}
}

// needsFullSnapshot evaluates the snapshot decision rules in order: nothing
// ever applied, path image missing while syncing paths, upstream rewound
// below our position, operator-requested rebuild.
func (f *Follower) needsFullSnapshot(ctx context.Context, maxID int64) (bool, string, error) {
	empty, err := f.store.IsNotificationsEmpty()
	if err != nil {
		return false, "", errors.Wrap(err, "checking notification bookkeeping")
	}
	if empty {
		return true, "no notifications ever applied", nil
	}
	if f.hdfsSync {
		pathsEmpty, err := f.store.IsPathSnapshotEmpty()
		if err != nil {
			return false, "", errors.Wrap(err, "checking path image bookkeeping")
		}
		if pathsEmpty {
			return true, "path image empty", nil
		}
	}
	currentID, err := f.fetcher.CurrentID(ctx)
	if err != nil {
		return false, "", errors.Wrap(err, "reading upstream notification id")
	}
	if currentID < maxID {
		log.G(ctx).WithFields(log.Fields{"upstream": currentID, "local": maxID}).Warn("upstream log rewound below local position")
		return true, "upstream log rewound", nil
	}
	if f.refresh != nil && f.refresh.TestAndClear() {
		return true, "operator requested full update", nil
	}
	return false, "", nil
}

// createFullSnapshot pulls a complete image from upstream and persists it
// atomically, re-basing the notification ledger onto the image id. It
// returns the persisted image id, or emptyImageID when the snapshot was
// abandoned because leadership was lost.
func (f *Follower) createFullSnapshot(ctx context.Context) (int64, error) {
	if !f.status.beginFullUpdate() {
		return emptyImageID, errors.New("full update already in progress")
	}
	defer f.status.endFullUpdate()
	snapshotCounter.Inc()

	image, err := f.client.FullSnapshot(ctx)
	if err != nil {
		return emptyImageID, errors.Wrap(err, "fetching full snapshot")
	}
	if len(image.Paths) == 0 {
		log.G(ctx).WithField("imageID", image.ID).Info("snapshot contains no paths, nothing to persist")
		return image.ID, nil
	}
	// Leadership may have moved while the snapshot was being built; a
	// non-leader must not write it.
	if !f.leader.IsLeader() {
		log.G(ctx).Info("leadership lost during snapshot, discarding")
		return emptyImageID, nil
	}

	if f.hdfsSync {
		err = f.store.PersistFullImage(image.Paths, image.ID)
	} else {
		err = f.store.PersistLastProcessedID(image.ID)
	}
	if err != nil {
		return emptyImageID, errors.Wrapf(err, "persisting snapshot %d", image.ID)
	}
	log.G(ctx).WithFields(log.Fields{"imageID": image.ID, "paths": len(image.Paths)}).Info("full snapshot persisted")
	f.wakeWaiters(ctx, image.ID)
	f.markReady()
	return image.ID, nil
}

// processBatch applies events in id order, tolerating gaps and duplicates.
// prev tracks the previous id in the batch, seeded with the fetch position,
// purely for diagnostics: the store is the source of truth.
func (f *Follower) processBatch(ctx context.Context, after int64, events []*metastore.Event) error {
	prev := after
	for _, ev := range events {
		logger := log.G(ctx).WithField("id", ev.ID)
		if duplicate, gap := sequenceIssue(prev, ev.ID); duplicate {
			duplicateCounter.Inc()
			logger.Info("duplicate notification id in batch")
		} else if gap {
			gapCounter.Inc()
			logger.WithField("prev", prev).Info("gap in notification ids")
		}
		prev = ev.ID

		// Cooperative cancellation: never apply an event without holding
		// leadership. Already-applied events stay applied.
		if !f.leader.IsLeader() {
			logger.Info("leadership lost, stopping batch")
			return nil
		}

		applied, err := f.processor.ProcessEvent(ctx, ev)
		if isConflict(err) {
			maxID, rerr := f.store.GetMaxNotificationID()
			if rerr != nil {
				logger.WithError(rerr).Error("reading max notification id after conflict")
				continue
			}
			if ev.ID <= maxID {
				// Re-processing an event the store already holds: the
				// fetch position is stale, re-seek on the next tick.
				logger.WithField("max", maxID).Info("notification already persisted, stopping batch")
				return nil
			}
			// Nothing recorded the id yet it conflicted; skip the wake so
			// the counter stays behind the durable high-water mark.
			logger.WithField("max", maxID).Warn("conflict on unpersisted notification id, continuing")
			continue
		}
		if err != nil {
			logger.WithError(err).Error("processing notification")
		}
		if applied {
			appliedCounter.Inc()
			f.fetcher.UpdateCache(ev)
		} else {
			// The event had no authorization effect, or its effect could
			// not be applied. Record its id either way so the stream head
			// advances past it and the wake below never releases a waiter
			// for an id the store does not hold. Failing to record is
			// fatal to the batch.
			if perr := f.store.PersistLastProcessedID(ev.ID); perr != nil {
				return errors.Wrapf(perr, "advancing past notification %d", ev.ID)
			}
			f.fetcher.UpdateCache(ev)
		}

		f.wakeWaiters(ctx, ev.ID)
	}
	return nil
}

// sequenceIssue classifies id against the previous id seen in a batch. A
// non-positive prev means the batch starts from a cold position, where no
// prior id exists to compare against and neither diagnostic applies.
func sequenceIssue(prev, id int64) (duplicate, gap bool) {
	if prev <= 0 {
		return false, false
	}
	return id == prev, id != prev && id != prev+1
}

// wakeWaiters releases clients waiting for eventID. The image id is read
// fresh from storage on every wake: if another actor re-based the image past
// the known baseline, the counter must be reset rather than advanced, and
// CounterWait decides which given both inputs.
func (f *Follower) wakeWaiters(ctx context.Context, eventID int64) {
	cw := f.store.CounterWait()
	imageID, err := f.store.GetLastImageID()
	if err != nil {
		log.G(ctx).WithError(err).Error("reading last image id, waking without baseline")
		cw.Update(eventID)
		return
	}
	cw.SetBaseline(imageID, eventID)
}

func (f *Follower) disconnect(ctx context.Context) {
	if err := f.client.Disconnect(); err != nil {
		log.G(ctx).WithError(err).Warn("disconnecting from metastore")
	}
	f.status.setConnected(false)
}

func (f *Follower) markReady() {
	f.readyOnce.Do(func() {
		fmt.Fprintln(f.readyOut, "sentry metastore follower is ready")
		f.status.setReady()
	})
}

// isConflict reports whether err marks an already-persisted notification
// id. Matches the Conflict behavior of the store's typed error.
func isConflict(err error) bool {
	for err != nil {
		if _, ok := err.(interface{ Conflict() }); ok {
			return true
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return false
}
