package store

const (
	// errNotificationExists is a typed error returned by ApplyChange when
	// the event id was already recorded; re-applying a durable event is a
	// signal the caller must re-seek, not a storage failure.
	errNotificationExists conflictError = "notification id already persisted"
)

type conflictError string

func (e conflictError) Error() string {
	return string(e)
}
func (conflictError) Conflict() {}

// IsConflict reports whether the error indicates an already-persisted
// notification id.
func IsConflict(err error) bool {
	for err != nil {
		if _, ok := err.(interface{ Conflict() }); ok {
			return true
		}
		cause, ok := err.(causal)
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return false
}

type causal interface {
	Cause() error
}
