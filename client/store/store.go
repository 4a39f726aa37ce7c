// Package store provides methods for registering database adapters and
// accessing the local persistent cache through logical-table mappers.
package store

import (
	"encoding/json"
	"errors"

	"github.com/meshtalk/meshtalk/client/store/adapter"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

var availableAdapters = make(map[string]adapter.Adapter)

// RegisterAdapter makes a persistence adapter available by the provided name.
// Called from the adapter's init(). Panics on a duplicate or nil adapter.
func RegisterAdapter(name string, a adapter.Adapter) {
	if a == nil {
		panic("store: register adapter is nil")
	}

	if _, ok := availableAdapters[name]; ok {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

type configType struct {
	// Adapter name to use. Should be one of those specified in Adapters.
	UseAdapter string `json:"use_adapter"`
	// Configurations of individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// Store is the handle to the local persistent cache. Tables are accessed
// through the mapper fields.
type Store struct {
	adp adapter.Adapter

	Vars     VarsMapper
	Contacts ContactsMapper
	Rooms    RoomsMapper
	Members  MembersMapper
	Attrs    AttrsMapper
}

// Open initializes the persistence system: selects a registered adapter,
// opens it and makes sure the schema exists.
func Open(jsonconf json.RawMessage) (*Store, error) {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("store: failed to parse config: " + err.Error())
	}

	var adp adapter.Adapter
	if config.UseAdapter != "" {
		adp = availableAdapters[config.UseAdapter]
		if adp == nil {
			return nil, errors.New("store: adapter '" + config.UseAdapter + "' is not available in this binary")
		}
	} else if len(availableAdapters) == 1 {
		// Default to the only registered adapter.
		for _, v := range availableAdapters {
			adp = v
		}
	} else {
		return nil, errors.New("store: adapter is not specified in the config")
	}

	if adp.IsOpen() {
		return nil, errors.New("store: connection is already opened")
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	if err := adp.Open(adapterConfig); err != nil {
		return nil, err
	}
	if err := adp.CreateDb(false); err != nil {
		adp.Close()
		return nil, err
	}

	return NewStore(adp), nil
}

// NewStore wraps an already-open adapter. Intended for embedders providing
// their own adapter instance (and for tests).
func NewStore(adp adapter.Adapter) *Store {
	return &Store{
		adp:      adp,
		Vars:     VarsMapper{adp},
		Contacts: ContactsMapper{adp},
		Rooms:    RoomsMapper{adp},
		Members:  MembersMapper{adp},
		Attrs:    AttrsMapper{adp},
	}
}

// Close terminates the connection to the persistent storage.
func (s *Store) Close() error {
	if s.adp.IsOpen() {
		return s.adp.Close()
	}
	return nil
}

// GetAdapterName returns the name of the active adapter.
func (s *Store) GetAdapterName() string {
	return s.adp.GetName()
}

// VarsMapper is the [store.Store] mapper for session variables.
type VarsMapper struct {
	adp adapter.Adapter
}

// Get reads a session variable; empty string if unset.
func (m VarsMapper) Get(name string) (string, error) {
	return m.adp.VarGet(name)
}

// Set writes a session variable.
func (m VarsMapper) Set(name, value string) error {
	return m.adp.VarSet(name, value)
}

// Del deletes a session variable.
func (m VarsMapper) Del(name string) error {
	return m.adp.VarDel(name)
}

// ContactsMapper is the [store.Store] mapper for the contact list.
type ContactsMapper struct {
	adp adapter.Adapter
}

// GetAll loads all stored contacts.
func (m ContactsMapper) GetAll() ([]t.Contact, error) {
	return m.adp.ContactGetAll()
}

// Upsert inserts or replaces a contact row.
func (m ContactsMapper) Upsert(c *t.Contact) error {
	return m.adp.ContactUpsert(c)
}

// Delete removes a contact row.
func (m ContactsMapper) Delete(user t.Uid) error {
	return m.adp.ContactDelete(user)
}

// RoomsMapper is the [store.Store] mapper for chat rooms.
type RoomsMapper struct {
	adp adapter.Adapter
}

// GetAll loads all stored rooms.
func (m RoomsMapper) GetAll() ([]t.Room, error) {
	return m.adp.RoomGetAll()
}

// Upsert inserts or replaces a room row.
func (m RoomsMapper) Upsert(r *t.Room) error {
	return m.adp.RoomUpsert(r)
}

// SetAddress updates the transport address of a room.
func (m RoomsMapper) SetAddress(id t.ChatID, address string) error {
	return m.adp.RoomSetAddress(id, address)
}

// SetOwnPriv updates our own privilege in a room.
func (m RoomsMapper) SetOwnPriv(id t.ChatID, priv t.Priv) error {
	return m.adp.RoomSetOwnPriv(id, priv)
}

// SetPeerPriv updates the peer's privilege in a direct room.
func (m RoomsMapper) SetPeerPriv(id t.ChatID, priv t.Priv) error {
	return m.adp.RoomSetPeerPriv(id, priv)
}

// SetTitle updates the user-assigned title override of a group room.
func (m RoomsMapper) SetTitle(id t.ChatID, title string) error {
	return m.adp.RoomSetTitle(id, title)
}

// Delete removes a room row.
func (m RoomsMapper) Delete(id t.ChatID) error {
	return m.adp.RoomDelete(id)
}

// MembersMapper is the [store.Store] mapper for group room membership.
type MembersMapper struct {
	adp adapter.Adapter
}

// GetAll loads the membership rows of a room.
func (m MembersMapper) GetAll(chat t.ChatID) ([]t.Member, error) {
	return m.adp.MemberGetAll(chat)
}

// Upsert inserts or replaces a membership row.
func (m MembersMapper) Upsert(mm *t.Member) error {
	return m.adp.MemberUpsert(mm)
}

// SetPriv updates the privilege of a membership row.
func (m MembersMapper) SetPriv(chat t.ChatID, user t.Uid, priv t.Priv) error {
	return m.adp.MemberSetPriv(chat, user, priv)
}

// Delete removes one membership row.
func (m MembersMapper) Delete(chat t.ChatID, user t.Uid) error {
	return m.adp.MemberDelete(chat, user)
}

// DeleteAll removes all membership rows of a room.
func (m MembersMapper) DeleteAll(chat t.ChatID) error {
	return m.adp.MemberDeleteAll(chat)
}

// AttrsMapper is the [store.Store] mapper for the cached attribute mirror.
type AttrsMapper struct {
	adp adapter.Adapter
}

// GetAll loads mirror rows with types below the given limit.
func (m AttrsMapper) GetAll(below t.AttrType) ([]t.CachedAttr, error) {
	return m.adp.AttrGetAll(below)
}

// Put write-throughs one mirror row.
func (m AttrsMapper) Put(a *t.CachedAttr) error {
	return m.adp.AttrPut(a)
}

// Delete invalidates one mirror row.
func (m AttrsMapper) Delete(user t.Uid, attr t.AttrType) error {
	return m.adp.AttrDelete(user, attr)
}
