package follower

import (
	"context"
	"strings"

	"github.com/containerd/log"
	"github.com/liang0/sentry/daemon/metastore"
	"github.com/liang0/sentry/daemon/store"
)

// Processor translates one notification into its authorization effect.
// ProcessEvent returns applied=false when the event is semantically
// irrelevant to the authorization model; the follower still records its id.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *metastore.Event) (applied bool, err error)
}

// ChangeApplier is the store operation the processor needs: apply a change
// and record the notification id in one transaction.
type ChangeApplier interface {
	ApplyChange(id int64, change *store.Change) error
}

// AuthzProcessor is the default Processor: it maps metastore events onto
// path-image and privilege mutations. Path mutations are produced only when
// HDFS sync is enabled; privilege drops and renames always apply.
type AuthzProcessor struct {
	store      ChangeApplier
	serverName string
	hdfsSync   bool
}

// NewAuthzProcessor returns the default processor scoped to serverName.
func NewAuthzProcessor(st ChangeApplier, serverName string, hdfsSync bool) *AuthzProcessor {
	return &AuthzProcessor{store: st, serverName: serverName, hdfsSync: hdfsSync}
}

// ProcessEvent derives the change for ev and applies it together with the
// event id. Events with no derivable effect return (false, nil) without
// touching the store.
func (p *AuthzProcessor) ProcessEvent(ctx context.Context, ev *metastore.Event) (bool, error) {
	change, err := p.changeFor(ctx, ev)
	if err != nil {
		return false, err
	}
	if change.IsEmpty() {
		return false, nil
	}
	if err := p.store.ApplyChange(ev.ID, change); err != nil {
		return false, err
	}
	return true, nil
}

func (p *AuthzProcessor) changeFor(ctx context.Context, ev *metastore.Event) (*store.Change, error) {
	msg, err := ev.DecodeMessage()
	if err != nil {
		// A payload we cannot decode carries no effect we can apply; skip
		// it rather than wedging the stream on one bad record.
		log.G(ctx).WithError(err).WithField("id", ev.ID).Warn("undecodable notification payload, skipping")
		return &store.Change{}, nil
	}

	change := &store.Change{}
	switch ev.Type {
	case metastore.EventCreateDatabase:
		if p.hdfsSync && msg.Location != "" {
			change.AddPaths = []store.PathUpdate{{Object: p.databaseName(ev), Paths: []string{msg.Location}}}
		}
	case metastore.EventCreateTable:
		if p.hdfsSync && msg.Location != "" {
			change.AddPaths = []store.PathUpdate{{Object: p.tableName(ev), Paths: []string{msg.Location}}}
		}
	case metastore.EventAddPartition:
		if p.hdfsSync && len(msg.Locations) > 0 {
			change.AddPaths = []store.PathUpdate{{Object: p.tableName(ev), Paths: msg.Locations}}
		}
	case metastore.EventDropDatabase:
		change.DropPrivileges = []string{p.databaseName(ev)}
		if p.hdfsSync {
			// nil paths drops every path mapped to the object.
			change.DropPaths = []store.PathUpdate{{Object: p.databaseName(ev)}}
		}
	case metastore.EventDropTable:
		change.DropPrivileges = []string{p.tableName(ev)}
		if p.hdfsSync {
			change.DropPaths = []store.PathUpdate{{Object: p.tableName(ev)}}
		}
	case metastore.EventDropPartition:
		if p.hdfsSync && len(msg.Locations) > 0 {
			change.DropPaths = []store.PathUpdate{{Object: p.tableName(ev), Paths: msg.Locations}}
		}
	case metastore.EventAlterTable:
		p.alterTableChange(ev, msg, change)
	case metastore.EventAlterPartition:
		if p.hdfsSync && msg.OldLocation != "" && msg.Location != "" && msg.OldLocation != msg.Location {
			object := p.tableName(ev)
			change.DropPaths = []store.PathUpdate{{Object: object, Paths: []string{msg.OldLocation}}}
			change.AddPaths = []store.PathUpdate{{Object: object, Paths: []string{msg.Location}}}
		}
	default:
		log.G(ctx).WithFields(log.Fields{"id": ev.ID, "type": ev.Type}).Debug("notification type has no authorization effect")
	}
	return change, nil
}

// alterTableChange handles the two alter flavors: a rename, which moves
// privileges (always) and the path mapping (hdfs-sync only) to the new
// name, and a pure location change, which rewrites the path mapping.
func (p *AuthzProcessor) alterTableChange(ev *metastore.Event, msg metastore.EventMessage, change *store.Change) {
	if msg.NewDatabase != "" || msg.NewTable != "" {
		oldName := p.tableName(ev)
		newName := qualify(firstNonEmpty(msg.NewDatabase, ev.Database), firstNonEmpty(msg.NewTable, ev.Table))
		if newName != oldName {
			change.RenamePrivileges = &store.Rename{Old: oldName, New: newName}
			if p.hdfsSync {
				change.RenamePaths = &store.Rename{Old: oldName, New: newName}
			}
			return
		}
	}
	if p.hdfsSync && msg.OldLocation != "" && msg.Location != "" && msg.OldLocation != msg.Location {
		object := p.tableName(ev)
		change.DropPaths = []store.PathUpdate{{Object: object, Paths: []string{msg.OldLocation}}}
		change.AddPaths = []store.PathUpdate{{Object: object, Paths: []string{msg.Location}}}
	}
}

// databaseName is the authorizable name of the event's database.
func (p *AuthzProcessor) databaseName(ev *metastore.Event) string {
	return strings.ToLower(ev.Database)
}

// tableName is the authorizable name of the event's table, db.table.
func (p *AuthzProcessor) tableName(ev *metastore.Event) string {
	return qualify(ev.Database, ev.Table)
}

func qualify(db, table string) string {
	return strings.ToLower(db) + "." + strings.ToLower(table)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
