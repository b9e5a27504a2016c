package store

import (
	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const pathTable = "path"

// pathEntry is the memdb record for one path image row. Entries are
// immutable once inserted; updates insert a fresh entry.
type pathEntry struct {
	Path    string
	Objects []string
}

var viewSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		pathTable: {
			Name: pathTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Path"},
				},
			},
		},
	},
}

// pathView is an in-memory, radix-indexed copy of the path image. Reads
// (including prefix scans) never touch the bolt database: the follower
// keeps the view in lockstep with every durable path mutation, and memdb's
// MVCC makes concurrent reader snapshots safe against the single writer.
type pathView struct {
	db *memdb.MemDB
}

func newPathView() (*pathView, error) {
	db, err := memdb.NewMemDB(viewSchema)
	if err != nil {
		return nil, errors.Wrap(err, "creating path view")
	}
	return &pathView{db: db}, nil
}

// Replace swaps the entire view content for the given image in one
// transaction.
func (v *pathView) Replace(paths map[string][]string) error {
	txn := v.db.Txn(true)
	if _, err := txn.DeleteAll(pathTable, "id_prefix", ""); err != nil {
		txn.Abort()
		return err
	}
	for path, objects := range paths {
		if err := txn.Insert(pathTable, &pathEntry{Path: path, Objects: mergeObjects(nil, objects)}); err != nil {
			txn.Abort()
			return err
		}
	}
	txn.Commit()
	return nil
}

// Upsert sets the object list for a path. An empty object list removes the
// path from the view.
func (v *pathView) Upsert(path string, objects []string) error {
	txn := v.db.Txn(true)
	if len(objects) == 0 {
		if _, err := txn.DeleteAll(pathTable, "id", path); err != nil {
			txn.Abort()
			return err
		}
	} else if err := txn.Insert(pathTable, &pathEntry{Path: path, Objects: objects}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

// ByPrefix returns the mappings for every path starting with prefix, in
// path order. An empty prefix returns the full image.
func (v *pathView) ByPrefix(prefix string) ([]PathMapping, error) {
	txn := v.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(pathTable, "id_prefix", prefix)
	if err != nil {
		return nil, err
	}
	var out []PathMapping
	for obj := it.Next(); obj != nil; obj = it.Next() {
		entry := obj.(*pathEntry)
		out = append(out, PathMapping{Path: entry.Path, Objects: entry.Objects})
	}
	return out, nil
}

// Len returns the number of paths in the view.
func (v *pathView) Len() (int, error) {
	txn := v.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(pathTable, "id")
	if err != nil {
		return 0, err
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}
