// Package daemon assembles and runs the sentry daemon: the durable
// authorization store, the pub/sub bus, the metastore follower, the
// notification purger, and the HTTP API surface.
package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/liang0/sentry/api/server"
	"github.com/liang0/sentry/daemon/config"
	"github.com/liang0/sentry/daemon/follower"
	"github.com/liang0/sentry/daemon/metastore"
	"github.com/liang0/sentry/daemon/store"
	"github.com/moby/pubsub"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	dbFileName = "sentry.db"

	busTimeout = 100 * time.Millisecond
	busBuffer  = 64

	shutdownTimeout = 10 * time.Second
)

// Options override external collaborators, mainly for tests and alternate
// deployments. Zero values select the production defaults.
type Options struct {
	// Client is the upstream metastore transport; nil builds the HTTP
	// client from the configured address.
	Client metastore.Client
	// Leader gates ingestion; nil means single-node mode, always leader.
	Leader follower.LeaderMonitor
	// Clock drives the follower and purge tickers; nil means wall clock.
	Clock clock.Clock
}

// Daemon owns every long-lived subsystem of the process.
type Daemon struct {
	id       string
	cfg      *config.Config
	store    *store.BoltStore
	bus      *pubsub.Publisher
	client   metastore.Client
	follower *follower.Follower
	refresh  *follower.RefreshSignal
	api      *server.Server
	clk      clock.Clock
}

// New opens the store under cfg.Root and wires the subsystems together.
// Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating data root")
	}
	st, err := store.New(filepath.Join(cfg.Root, dbFileName))
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	client := opts.Client
	if client == nil {
		client, err = metastore.NewHTTPClient(cfg.MetastoreAddr)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	d := &Daemon{
		id:     uuid.New().String(),
		cfg:    cfg,
		store:  st,
		bus:    pubsub.NewPublisher(busTimeout, busBuffer),
		client: client,
		clk:    clk,
	}

	if cfg.FullUpdateSubscribe {
		d.refresh = follower.NewRefreshSignal(d.bus)
	} else {
		log.G(ctx).Info("full-update subscription disabled, refresh requests will be ignored")
	}
	if cfg.UsesDeprecatedServerName() {
		log.G(ctx).Warn("server name configured through the deprecated key, update the configuration")
	}

	d.follower = follower.New(st, client, metastore.NewFetcher(client, cfg.FetcherCacheSize, cfg.FetchBatchSize), follower.Config{
		ServerName:   cfg.ServerName(),
		HDFSSync:     cfg.HDFSSync,
		PollInterval: cfg.PollInterval(),
		Clock:        clk,
		Leader:       opts.Leader,
		Refresh:      d.refresh,
	})
	d.api = server.New(d)

	log.G(ctx).WithFields(log.Fields{
		"instance":    d.id,
		"server-name": cfg.ServerName(),
		"hdfs-sync":   cfg.HDFSSync,
	}).Info("daemon assembled")
	return d, nil
}

// ID returns the daemon's per-process instance id.
func (d *Daemon) ID() string { return d.id }

// Follower exposes the follower, mainly for tests.
func (d *Daemon) Follower() *follower.Follower { return d.follower }

// Run starts the follower loop, the purge loop, and the API server, and
// blocks until ctx is cancelled or one of them fails. All resources are
// released before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		d.close()
		return errors.Wrapf(err, "listening on %s", d.cfg.ListenAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.follower.Run(gctx) })
	g.Go(func() error { return d.purgeLoop(gctx) })
	g.Go(func() error { return d.api.Serve(l) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.api.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	d.close()
	return err
}

// purgeLoop trims the processed-notification ledger on a slow tick so the
// store does not grow without bound.
func (d *Daemon) purgeLoop(ctx context.Context) error {
	ticker := d.clk.NewTicker(d.cfg.PurgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			removed, err := d.store.PurgeNotifications(d.cfg.PurgeKeep)
			if err != nil {
				log.G(ctx).WithError(err).Error("purging notifications")
				continue
			}
			if removed > 0 {
				log.G(ctx).WithField("removed", removed).Debug("purged notification records")
			}
		}
	}
}

func (d *Daemon) close() {
	if d.refresh != nil {
		d.refresh.Close()
	}
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		log.L.WithError(err).Error("closing store")
	}
}

// Status implements server.Backend.
func (d *Daemon) Status() (server.StatusInfo, error) {
	maxID, err := d.store.GetMaxNotificationID()
	if err != nil {
		return server.StatusInfo{}, err
	}
	lastImage, err := d.store.GetLastImageID()
	if err != nil {
		return server.StatusInfo{}, err
	}
	pathCount, err := d.store.PathCount()
	if err != nil {
		return server.StatusInfo{}, err
	}
	fs := d.follower.Status().Snapshot()
	return server.StatusInfo{
		InstanceID:        d.id,
		ServerName:        d.cfg.ServerName(),
		Leader:            d.follower.Leader(),
		Connected:         fs.Connected,
		Ready:             fs.Ready,
		FullUpdateRunning: fs.FullUpdateRunning,
		MaxNotificationID: maxID,
		LastImageID:       lastImage,
		CounterValue:      d.store.CounterWait().Value(),
		PathCount:         pathCount,
	}, nil
}

// TriggerRefresh implements server.Backend: it publishes a force-refresh
// message on the bus. Without a subscription the message is dropped.
func (d *Daemon) TriggerRefresh(body string) {
	d.bus.Publish(follower.RefreshMessage{Topic: follower.TopicFullUpdate, Body: body})
}

// SyncWait implements server.Backend.
func (d *Daemon) SyncWait(ctx context.Context, id int64) error {
	return d.store.CounterWait().Wait(ctx, id)
}

// PathsByPrefix implements server.Backend.
func (d *Daemon) PathsByPrefix(prefix string) ([]store.PathMapping, error) {
	return d.store.PathsByPrefix(prefix)
}
