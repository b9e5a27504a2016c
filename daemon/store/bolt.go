package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/containerd/log"
	"github.com/liang0/sentry/pkg/counterwait"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket          = []byte("meta")
	notificationsBucket = []byte("notifications")
	pathsBucket         = []byte("paths")
	objectsBucket       = []byte("objects")
	privilegesBucket    = []byte("privileges")

	maxNotificationIDKey = []byte("max-notification-id")
	lastImageIDKey       = []byte("last-image-id")
)

// notificationRecord is the value stored per processed notification id.
type notificationRecord struct {
	AppliedAt int64 `json:"appliedAt"`
}

// BoltStore is the durable side of the authorization model: the path image,
// privileges, and the ledger of processed notification ids, all in a single
// bolt database. One writer (the follower loop) mutates it; readers go
// through the in-memory path view or short read transactions.
type BoltStore struct {
	db      *bolt.DB
	view    *pathView
	counter *counterwait.CounterWait
}

// New opens (creating if needed) the database at dbPath, ensures all buckets
// exist, and loads the path image into the in-memory view.
func New(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, notificationsBucket, pathsBucket, objectsBucket, privilegesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "creating %s bucket", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	view, err := newPathView()
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{
		db:      db,
		view:    view,
		counter: counterwait.New(),
	}
	if err := s.restoreView(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "restoring path view")
	}
	return s, nil
}

// Close releases the database. In-flight readers of the view are unaffected.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CounterWait returns the waiter rendezvous tied to this store's
// notification counter. The follower updates it; API clients wait on it.
func (s *BoltStore) CounterWait() *counterwait.CounterWait {
	return s.counter
}

func (s *BoltStore) restoreView() error {
	paths := map[string][]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pathsBucket).ForEach(func(k, v []byte) error {
			var objects []string
			if err := json.Unmarshal(v, &objects); err != nil {
				return errors.Wrapf(err, "decoding objects for path %s", k)
			}
			paths[string(k)] = objects
			return nil
		})
	})
	if err != nil {
		return err
	}
	return s.view.Replace(paths)
}

// GetMaxNotificationID returns the highest notification id recorded as
// processed, or 0 when nothing has ever been processed.
func (s *BoltStore) GetMaxNotificationID() (int64, error) {
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		id = btoi(tx.Bucket(metaBucket).Get(maxNotificationIDKey))
		return nil
	})
	return id, err
}

// GetLastImageID returns the id of the most recently persisted full path
// image, or 0 when no image has been persisted.
func (s *BoltStore) GetLastImageID() (int64, error) {
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		id = btoi(tx.Bucket(metaBucket).Get(lastImageIDKey))
		return nil
	})
	return id, err
}

// IsNotificationsEmpty reports whether no notification has ever been
// recorded. A fresh database and one wiped by an operator both report true.
func (s *BoltStore) IsNotificationsEmpty() (bool, error) {
	return s.bucketEmpty(notificationsBucket)
}

// IsPathSnapshotEmpty reports whether the durable path image holds no paths.
func (s *BoltStore) IsPathSnapshotEmpty() (bool, error) {
	return s.bucketEmpty(pathsBucket)
}

func (s *BoltStore) bucketEmpty(name []byte) (bool, error) {
	var empty bool
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(name).Cursor().First()
		empty = k == nil
		return nil
	})
	return empty, err
}

// ApplyChange records notification id as processed and applies change to the
// path image and privileges in a single transaction. It returns a conflict
// error, detectable with IsConflict, when id was already recorded; the store
// is left untouched in that case. A nil or empty change still records the id.
func (s *BoltStore) ApplyChange(id int64, change *Change) error {
	var ops []viewOp
	err := s.db.Update(func(tx *bolt.Tx) error {
		notifications := tx.Bucket(notificationsBucket)
		key := itob(id)
		if notifications.Get(key) != nil {
			return errors.Wrapf(errNotificationExists, "notification %d", id)
		}
		if change != nil && !change.IsEmpty() {
			var err error
			if ops, err = s.applyChangeTx(tx, change); err != nil {
				return err
			}
		}
		rec, err := json.Marshal(notificationRecord{AppliedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		if err := notifications.Put(key, rec); err != nil {
			return errors.Wrapf(err, "recording notification %d", id)
		}
		return advanceMaxID(tx, id)
	})
	if err != nil {
		return err
	}
	return s.applyViewOps(ops)
}

// PersistLastProcessedID records id as processed without touching the path
// image. Used for notifications that had no effect on the model, so a
// restart does not refetch them.
func (s *BoltStore) PersistLastProcessedID(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := json.Marshal(notificationRecord{AppliedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		if err := tx.Bucket(notificationsBucket).Put(itob(id), rec); err != nil {
			return errors.Wrapf(err, "recording notification %d", id)
		}
		return advanceMaxID(tx, id)
	})
}

// PersistFullImage replaces the entire path image with paths and rebases the
// notification ledger onto imageID, all in one transaction. The old ledger
// is dropped: after a rebase only imageID is recorded, and the processed
// high-water mark becomes imageID even if that moves it backwards.
func (s *BoltStore) PersistFullImage(paths map[string][]string, imageID int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pathsBucket, objectsBucket, notificationsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return errors.Wrapf(err, "dropping %s bucket", name)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return errors.Wrapf(err, "recreating %s bucket", name)
			}
		}

		pb := tx.Bucket(pathsBucket)
		ob := tx.Bucket(objectsBucket)
		objectPaths := map[string][]string{}
		for path, objects := range paths {
			v, err := json.Marshal(mergeObjects(nil, objects))
			if err != nil {
				return err
			}
			if err := pb.Put([]byte(path), v); err != nil {
				return errors.Wrapf(err, "writing path %s", path)
			}
			for _, object := range objects {
				objectPaths[object] = append(objectPaths[object], path)
			}
		}
		for object, op := range objectPaths {
			v, err := json.Marshal(mergeObjects(nil, op))
			if err != nil {
				return err
			}
			if err := ob.Put([]byte(object), v); err != nil {
				return errors.Wrapf(err, "indexing object %s", object)
			}
		}

		rec, err := json.Marshal(notificationRecord{AppliedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		if err := tx.Bucket(notificationsBucket).Put(itob(imageID), rec); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		if err := meta.Put(lastImageIDKey, itob(imageID)); err != nil {
			return err
		}
		return meta.Put(maxNotificationIDKey, itob(imageID))
	})
	if err != nil {
		return err
	}
	return s.view.Replace(paths)
}

// PurgeNotifications deletes recorded notification ids beyond the newest
// keep entries and returns how many were removed.
func (s *BoltStore) PurgeNotifications(keep int) (int, error) {
	var victims [][]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(notificationsBucket).Cursor()
		n := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			n++
			if n > keep {
				victims = append(victims, append([]byte(nil), k...))
			}
		}
		b := tx.Bucket(notificationsBucket)
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// PathsByPrefix returns the current path image entries whose path starts
// with prefix, served from the in-memory view.
func (s *BoltStore) PathsByPrefix(prefix string) ([]PathMapping, error) {
	return s.view.ByPrefix(prefix)
}

// PathCount returns the number of paths in the current image.
func (s *BoltStore) PathCount() (int, error) {
	return s.view.Len()
}

// GrantPrivilege appends p to the privileges of object. Exact duplicates
// (same role, server and action) are ignored.
func (s *BoltStore) GrantPrivilege(object string, p Privilege) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(privilegesBucket)
		privs, err := readPrivileges(b, object)
		if err != nil {
			return err
		}
		for _, have := range privs {
			if have.Role == p.Role && have.Server == p.Server && have.Action == p.Action {
				return nil
			}
		}
		return writePrivileges(b, object, append(privs, p))
	})
}

// GetPrivileges returns the privileges recorded for object, in grant order.
func (s *BoltStore) GetPrivileges(object string) ([]Privilege, error) {
	var privs []Privilege
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		privs, err = readPrivileges(tx.Bucket(privilegesBucket), object)
		return err
	})
	return privs, err
}

// viewOp is a deferred mutation of the in-memory view, collected inside a
// bolt transaction and applied only after it commits. nil objects deletes
// the path.
type viewOp struct {
	path    string
	objects []string
}

func (s *BoltStore) applyViewOps(ops []viewOp) error {
	for _, op := range ops {
		if err := s.view.Upsert(op.path, op.objects); err != nil {
			return errors.Wrapf(err, "updating view for path %s", op.path)
		}
	}
	return nil
}

func (s *BoltStore) applyChangeTx(tx *bolt.Tx, change *Change) ([]viewOp, error) {
	var ops []viewOp
	pb := tx.Bucket(pathsBucket)
	ob := tx.Bucket(objectsBucket)

	for _, add := range change.AddPaths {
		for _, path := range add.Paths {
			objects, err := upsertListEntry(pb, path, add.Object, true)
			if err != nil {
				return nil, err
			}
			if _, err := upsertListEntry(ob, add.Object, path, true); err != nil {
				return nil, err
			}
			ops = append(ops, viewOp{path: path, objects: objects})
		}
	}

	for _, drop := range change.DropPaths {
		paths := drop.Paths
		if paths == nil {
			var err error
			if paths, err = readList(ob, drop.Object); err != nil {
				return nil, err
			}
		}
		for _, path := range paths {
			objects, err := upsertListEntry(pb, path, drop.Object, false)
			if err != nil {
				return nil, err
			}
			if _, err := upsertListEntry(ob, drop.Object, path, false); err != nil {
				return nil, err
			}
			ops = append(ops, viewOp{path: path, objects: objects})
		}
	}

	if r := change.RenamePaths; r != nil && r.Old != r.New {
		paths, err := readList(ob, r.Old)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			if _, err := upsertListEntry(pb, path, r.Old, false); err != nil {
				return nil, err
			}
			objects, err := upsertListEntry(pb, path, r.New, true)
			if err != nil {
				return nil, err
			}
			if _, err := upsertListEntry(ob, r.New, path, true); err != nil {
				return nil, err
			}
			ops = append(ops, viewOp{path: path, objects: objects})
		}
		if err := ob.Delete([]byte(r.Old)); err != nil {
			return nil, errors.Wrapf(err, "dropping object %s", r.Old)
		}
	}

	privb := tx.Bucket(privilegesBucket)
	for _, object := range change.DropPrivileges {
		if err := privb.Delete([]byte(object)); err != nil {
			return nil, errors.Wrapf(err, "dropping privileges of %s", object)
		}
	}
	if r := change.RenamePrivileges; r != nil && r.Old != r.New {
		privs, err := readPrivileges(privb, r.Old)
		if err != nil {
			return nil, err
		}
		if len(privs) > 0 {
			existing, err := readPrivileges(privb, r.New)
			if err != nil {
				return nil, err
			}
			if err := writePrivileges(privb, r.New, append(existing, privs...)); err != nil {
				return nil, err
			}
			if err := privb.Delete([]byte(r.Old)); err != nil {
				return nil, err
			}
		}
	}
	return ops, nil
}

// upsertListEntry adds or removes value in the sorted string list stored
// under key and returns the resulting list. Empty lists delete the key.
func upsertListEntry(b *bolt.Bucket, key, value string, add bool) ([]string, error) {
	list, err := readList(b, key)
	if err != nil {
		return nil, err
	}
	if add {
		list = mergeObjects(list, []string{value})
	} else {
		list = removeObject(list, value)
	}
	if len(list) == 0 {
		if err := b.Delete([]byte(key)); err != nil {
			return nil, errors.Wrapf(err, "deleting %s", key)
		}
		return nil, nil
	}
	v, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	if err := b.Put([]byte(key), v); err != nil {
		return nil, errors.Wrapf(err, "writing %s", key)
	}
	return list, nil
}

func readList(b *bolt.Bucket, key string) ([]string, error) {
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", key)
	}
	return list, nil
}

func readPrivileges(b *bolt.Bucket, object string) ([]Privilege, error) {
	v := b.Get([]byte(object))
	if v == nil {
		return nil, nil
	}
	var privs []Privilege
	if err := json.Unmarshal(v, &privs); err != nil {
		return nil, errors.Wrapf(err, "decoding privileges of %s", object)
	}
	return privs, nil
}

func writePrivileges(b *bolt.Bucket, object string, privs []Privilege) error {
	v, err := json.Marshal(privs)
	if err != nil {
		return err
	}
	return errors.Wrapf(b.Put([]byte(object), v), "writing privileges of %s", object)
}

func advanceMaxID(tx *bolt.Tx, id int64) error {
	meta := tx.Bucket(metaBucket)
	if id <= btoi(meta.Get(maxNotificationIDKey)) {
		return nil
	}
	return meta.Put(maxNotificationIDKey, itob(id))
}

func itob(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func btoi(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

// DebugDump logs bucket sizes at debug level. Handy when chasing image
// drift between the view and the durable copy.
func (s *BoltStore) DebugDump(ctx context.Context) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		fields := log.Fields{}
		for _, name := range [][]byte{notificationsBucket, pathsBucket, objectsBucket, privilegesBucket} {
			fields[string(name)] = tx.Bucket(name).Stats().KeyN
		}
		log.G(ctx).WithFields(fields).Debug("store buckets")
		return nil
	})
}
