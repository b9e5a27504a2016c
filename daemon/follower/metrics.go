package follower

import metrics "github.com/docker/go-metrics"

var (
	tickCounter      metrics.Counter
	appliedCounter   metrics.Counter
	snapshotCounter  metrics.Counter
	gapCounter       metrics.Counter
	duplicateCounter metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("sentry", "follower", nil)
	tickCounter = ns.NewCounter("ticks", "The total number of follower ticks")
	appliedCounter = ns.NewCounter("notifications_applied", "The total number of notifications applied to the store")
	snapshotCounter = ns.NewCounter("full_snapshots", "The total number of full snapshot rebuilds attempted")
	gapCounter = ns.NewCounter("notification_gaps", "The total number of gaps observed in notification ids")
	duplicateCounter = ns.NewCounter("notification_duplicates", "The total number of duplicate notification ids observed")
	metrics.Register(ns)
}
