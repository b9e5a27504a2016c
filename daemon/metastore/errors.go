package metastore

// outOfSyncError marks the condition where the upstream log no longer
// retains the event immediately after the follower's position: the log was
// truncated or reset underneath us and only a full snapshot can recover.
type outOfSyncError string

// ErrOutOfSync is returned by Fetch when the requested position has been
// truncated upstream.
const ErrOutOfSync outOfSyncError = "metastore notification log out of sync: requested position no longer retained"

func (e outOfSyncError) Error() string { return string(e) }

func (outOfSyncError) OutOfSync() {}

// IsOutOfSync reports whether err (or its cause chain) marks an upstream
// log truncation.
func IsOutOfSync(err error) bool {
	for err != nil {
		if _, ok := err.(interface{ OutOfSync() }); ok {
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
