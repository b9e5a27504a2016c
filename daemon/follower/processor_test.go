package follower

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/liang0/sentry/daemon/metastore"
	"github.com/liang0/sentry/daemon/store"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTestProcessor(t *testing.T, hdfsSync bool) (*AuthzProcessor, *store.BoltStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "sentry.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewAuthzProcessor(st, "HS2", hdfsSync), st
}

func TestProcessorCreateTableAddsPath(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, true)

	applied, err := p.ProcessEvent(context.Background(), createTable(1, "Sales", "Orders", "/warehouse/sales/orders"))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	mappings, err := st.PathsByPrefix("/warehouse/sales")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(mappings, 1))
	// Object names are lowercased db.table.
	assert.Check(t, is.DeepEqual(mappings[0].Objects, []string{"sales.orders"}))
}

func TestProcessorDropTableRemovesPathsAndPrivileges(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, true)

	assert.NilError(t, st.GrantPrivilege("sales.orders", store.Privilege{Role: "analyst", Server: "HS2", Action: "select"}))
	_, err := p.ProcessEvent(context.Background(), createTable(1, "sales", "orders", "/warehouse/sales/orders"))
	assert.NilError(t, err)

	applied, err := p.ProcessEvent(context.Background(), event(2, metastore.EventDropTable, "sales", "orders", metastore.EventMessage{}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	mappings, err := st.PathsByPrefix("/warehouse/sales")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(mappings, 0))
	privs, err := st.GetPrivileges("sales.orders")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(privs, 0))
}

// Privilege drops apply even with hdfs sync off; path mutations do not.
func TestProcessorHDFSSyncOff(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, false)

	// A create carries only a path effect, so it is a no-op here.
	applied, err := p.ProcessEvent(context.Background(), createTable(1, "sales", "orders", "/warehouse/sales/orders"))
	assert.NilError(t, err)
	assert.Assert(t, !applied)

	assert.NilError(t, st.GrantPrivilege("sales.orders", store.Privilege{Role: "analyst", Server: "HS2", Action: "select"}))
	applied, err = p.ProcessEvent(context.Background(), event(2, metastore.EventDropTable, "sales", "orders", metastore.EventMessage{}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	privs, err := st.GetPrivileges("sales.orders")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(privs, 0))
}

func TestProcessorAlterTableRename(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, true)

	assert.NilError(t, st.GrantPrivilege("sales.orders", store.Privilege{Role: "analyst", Server: "HS2", Action: "select"}))
	_, err := p.ProcessEvent(context.Background(), createTable(1, "sales", "orders", "/warehouse/sales/orders"))
	assert.NilError(t, err)

	applied, err := p.ProcessEvent(context.Background(), event(2, metastore.EventAlterTable, "sales", "orders", metastore.EventMessage{
		NewDatabase: "sales",
		NewTable:    "orders_v2",
	}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	mappings, err := st.PathsByPrefix("/warehouse/sales")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(mappings, 1))
	assert.Check(t, is.DeepEqual(mappings[0].Objects, []string{"sales.orders_v2"}))

	privs, err := st.GetPrivileges("sales.orders_v2")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(privs, 1))
	privs, err = st.GetPrivileges("sales.orders")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(privs, 0))
}

func TestProcessorAlterTableLocationChange(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, true)

	_, err := p.ProcessEvent(context.Background(), createTable(1, "sales", "orders", "/warehouse/old"))
	assert.NilError(t, err)

	applied, err := p.ProcessEvent(context.Background(), event(2, metastore.EventAlterTable, "sales", "orders", metastore.EventMessage{
		OldLocation: "/warehouse/old",
		Location:    "/warehouse/new",
	}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	mappings, err := st.PathsByPrefix("/warehouse")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(mappings, 1))
	assert.Equal(t, mappings[0].Path, "/warehouse/new")
}

func TestProcessorPartitions(t *testing.T) {
	t.Parallel()
	p, st := newTestProcessor(t, true)

	applied, err := p.ProcessEvent(context.Background(), event(1, metastore.EventAddPartition, "sales", "orders", metastore.EventMessage{
		Locations: []string{"/warehouse/sales/orders/p=1", "/warehouse/sales/orders/p=2"},
	}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	applied, err = p.ProcessEvent(context.Background(), event(2, metastore.EventDropPartition, "sales", "orders", metastore.EventMessage{
		Locations: []string{"/warehouse/sales/orders/p=1"},
	}))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	mappings, err := st.PathsByPrefix("/warehouse/sales/orders")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(mappings, 1))
	assert.Equal(t, mappings[0].Path, "/warehouse/sales/orders/p=2")
}

// Unknown types and undecodable payloads are reported as not applied, with
// no error, so the follower records the id and moves on.
func TestProcessorIrrelevantEvents(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, true)

	applied, err := p.ProcessEvent(context.Background(), event(1, metastore.EventType("CREATE_FUNCTION"), "db", "", metastore.EventMessage{}))
	assert.NilError(t, err)
	assert.Assert(t, !applied)

	applied, err = p.ProcessEvent(context.Background(), &metastore.Event{
		ID:      2,
		Type:    metastore.EventCreateTable,
		Message: []byte(`{not json`),
	})
	assert.NilError(t, err)
	assert.Assert(t, !applied)

	// A create without a location has nothing to map.
	applied, err = p.ProcessEvent(context.Background(), event(3, metastore.EventCreateTable, "db", "t", metastore.EventMessage{}))
	assert.NilError(t, err)
	assert.Assert(t, !applied)
}

// Re-applying an id the store already recorded surfaces the conflict.
func TestProcessorConflictOnReplay(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, true)

	applied, err := p.ProcessEvent(context.Background(), createTable(9, "sales", "orders", "/warehouse/sales/orders"))
	assert.NilError(t, err)
	assert.Assert(t, applied)

	_, err = p.ProcessEvent(context.Background(), createTable(9, "sales", "orders", "/warehouse/sales/orders"))
	assert.Assert(t, store.IsConflict(err))
}
