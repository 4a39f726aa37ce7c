// Package adapter contains the interface to be implemented by the
// persistent store adapter.
package adapter

import (
	"encoding/json"

	t "github.com/meshtalk/meshtalk/client/store/types"
)

// Adapter is the interface implemented by a database adapter. The engine
// accesses it synchronously from a single goroutine; adapters do not need
// to support concurrent writers.
type Adapter interface {
	// Open opens the database connection.
	Open(jsonconf json.RawMessage) error
	// Close closes the connection.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// CreateDb creates the schema. If reset is true the old data is dropped first.
	CreateDb(reset bool) error

	// Session variables.

	// VarGet reads a session variable. Returns an empty string if the
	// variable is not set.
	VarGet(name string) (string, error)
	// VarSet writes a session variable.
	VarSet(name, value string) error
	// VarDel deletes a session variable.
	VarDel(name string) error

	// Contacts.

	ContactGetAll() ([]t.Contact, error)
	ContactUpsert(c *t.Contact) error
	ContactDelete(user t.Uid) error

	// Chat rooms.

	RoomGetAll() ([]t.Room, error)
	RoomUpsert(r *t.Room) error
	RoomSetAddress(id t.ChatID, address string) error
	RoomSetOwnPriv(id t.ChatID, priv t.Priv) error
	RoomSetPeerPriv(id t.ChatID, priv t.Priv) error
	RoomSetTitle(id t.ChatID, title string) error
	RoomDelete(id t.ChatID) error

	// Group room membership.

	MemberGetAll(chat t.ChatID) ([]t.Member, error)
	MemberUpsert(m *t.Member) error
	// MemberSetPriv updates the privilege of a single membership row by key.
	MemberSetPriv(chat t.ChatID, user t.Uid, priv t.Priv) error
	MemberDelete(chat t.ChatID, user t.Uid) error
	MemberDeleteAll(chat t.ChatID) error

	// Cached user attributes.

	// AttrGetAll loads all mirror rows with a type below the given limit.
	AttrGetAll(below t.AttrType) ([]t.CachedAttr, error)
	AttrPut(a *t.CachedAttr) error
	AttrDelete(user t.Uid, attr t.AttrType) error
}
