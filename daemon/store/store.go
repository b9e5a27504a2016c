// Package store persists the authorization state the follower maintains:
// the privilege grants, the path-to-authorizable image used for HDFS sync,
// and the notification bookkeeping that anchors the follower's position in
// the upstream log. Durability lives in a bbolt database; a memdb view
// serves indexed path reads without touching disk.
package store

import (
	"sort"
)

// Privilege is one grant scoped to an authorizable object.
type Privilege struct {
	Role       string `json:"role"`
	Server     string `json:"server"`
	Action     string `json:"action"`
	CreateTime int64  `json:"createTime,omitempty"`
}

// PathMapping pairs a storage path with the authorizable objects it maps
// to; the full set of mappings forms the path image.
type PathMapping struct {
	Path    string   `json:"path"`
	Objects []string `json:"objects"`
}

// PathUpdate names an authorizable object and the paths to associate or
// disassociate. For drops, a nil Paths means every path of the object.
type PathUpdate struct {
	Object string
	Paths  []string
}

// Rename carries an authorizable object rename.
type Rename struct {
	Old string
	New string
}

// Change is the authorization effect of a single notification, applied
// atomically together with the notification id. An empty Change means the
// event had no effect on stored state.
type Change struct {
	AddPaths         []PathUpdate
	DropPaths        []PathUpdate
	RenamePaths      *Rename
	DropPrivileges   []string
	RenamePrivileges *Rename
}

// IsEmpty reports whether applying the change would mutate nothing beyond
// the notification record itself.
func (c *Change) IsEmpty() bool {
	if c == nil {
		return true
	}
	return len(c.AddPaths) == 0 && len(c.DropPaths) == 0 && c.RenamePaths == nil &&
		len(c.DropPrivileges) == 0 && c.RenamePrivileges == nil
}

// mergeObjects returns base with add merged in, sorted and deduplicated.
func mergeObjects(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, lists := range [][]string{base, add} {
		for _, o := range lists {
			if _, ok := seen[o]; ok {
				continue
			}
			seen[o] = struct{}{}
			out = append(out, o)
		}
	}
	sort.Strings(out)
	return out
}

// removeObject returns list without v, preserving order.
func removeObject(list []string, v string) []string {
	out := list[:0]
	for _, o := range list {
		if o != v {
			out = append(out, o)
		}
	}
	return out
}
