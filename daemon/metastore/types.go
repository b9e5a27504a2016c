// Package metastore defines the types and transport used to follow a Hive
// metastore's notification log: change events, full path snapshots, the
// client contract, and a fetcher that dedups re-delivered events.
package metastore

import "encoding/json"

// EventType names a metastore change notification. The values mirror the
// event names the metastore emits in its notification log.
type EventType string

const (
	EventCreateDatabase EventType = "CREATE_DATABASE"
	EventDropDatabase   EventType = "DROP_DATABASE"
	EventCreateTable    EventType = "CREATE_TABLE"
	EventDropTable      EventType = "DROP_TABLE"
	EventAlterTable     EventType = "ALTER_TABLE"
	EventAddPartition   EventType = "ADD_PARTITION"
	EventAlterPartition EventType = "ALTER_PARTITION"
	EventDropPartition  EventType = "DROP_PARTITION"
)

// Event is a single notification-log entry. IDs are assigned upstream and
// are intended to increase by one per event, but consumers must tolerate
// gaps, duplicates and re-deliveries.
type Event struct {
	// ID is the upstream-assigned notification id.
	ID int64 `json:"eventId"`
	// Time is the event time in milliseconds since the epoch.
	Time int64 `json:"eventTime"`
	// Type is the kind of metastore change.
	Type EventType `json:"eventType"`
	// Database and Table locate the object the event refers to. Table is
	// empty for database-level events.
	Database string `json:"dbName,omitempty"`
	Table    string `json:"tableName,omitempty"`
	// Message carries the type-specific payload; see EventMessage.
	Message json.RawMessage `json:"message,omitempty"`
}

// EventMessage is the decoded payload of an Event. Fields are populated
// according to the event type; absent fields decode to their zero value.
type EventMessage struct {
	// Location is the object's storage path (create/alter events), or the
	// dropped path (drop events).
	Location string `json:"location,omitempty"`
	// Locations carries one path per partition for partition events.
	Locations []string `json:"locations,omitempty"`
	// OldLocation is the previous path on location-changing alters.
	OldLocation string `json:"oldLocation,omitempty"`
	// NewDatabase and NewTable are set on renames.
	NewDatabase string `json:"newDbName,omitempty"`
	NewTable    string `json:"newTableName,omitempty"`
}

// DecodeMessage unmarshals the event payload. A nil or empty payload yields
// a zero EventMessage and no error.
func (e *Event) DecodeMessage() (EventMessage, error) {
	var m EventMessage
	if len(e.Message) == 0 {
		return m, nil
	}
	err := json.Unmarshal(e.Message, &m)
	return m, err
}

// PathsImage is a complete snapshot of the path-to-authorizable mapping at
// a point in the notification log. ID is the last notification id the
// snapshot includes.
type PathsImage struct {
	ID    int64               `json:"id"`
	Paths map[string][]string `json:"paths"`
}
