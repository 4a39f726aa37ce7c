/******************************************************************************
 *
 *  Description :
 *
 *    Directory of chat rooms and their group membership. Rooms load from
 *    the persistent store, reconcile against the authoritative remote list
 *    with upsert semantics, and push title, presence and unread updates to
 *    the presentation layer.
 *
 *****************************************************************************/

package client

import (
	"errors"
	"strings"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
	"github.com/meshtalk/meshtalk/client/transport"
)

// ErrRoomShape is returned when reconciliation encounters a change of a
// structurally immutable room property (group flag or route).
var ErrRoomShape = errors.New("rooms: group flag or route of an existing room changed")

// ErrNotGroup is returned for group-only operations on a direct room.
var ErrNotGroup = errors.New("rooms: not a group room")

// ErrUnknownRoom is returned when a chat id is not in the directory.
var ErrUnknownRoom = errors.New("rooms: unknown chat id")

// Room is a chat room held by the directory.
type Room interface {
	ID() t.ChatID
	IsGroup() bool
	// Shard is the transport route the room is bound to. Immutable.
	Shard() int
	Address() string
	OwnPriv() t.Priv
	// Title is the current display title.
	Title() string
	// Presence is the status shown for the room, gated by its transport
	// connection state.
	Presence() t.Presence
	UnreadCount() int
}

type roomBase struct {
	rd      *RoomDirectory
	id      t.ChatID
	address string
	shard   int
	ownPriv t.Priv

	connState transport.RoomState
	view      ItemView
	window    ChatWindow
	unread    int
}

func (r *roomBase) ID() t.ChatID     { return r.id }
func (r *roomBase) Shard() int       { return r.shard }
func (r *roomBase) Address() string  { return r.address }
func (r *roomBase) OwnPriv() t.Priv  { return r.ownPriv }
func (r *roomBase) UnreadCount() int { return r.unread }

// updateDisplays pushes the online indication to the item and the window.
func (r *roomBase) updateDisplays(pres t.Presence) {
	if r.view != nil {
		r.view.UpdateOnlineStatus(pres)
	}
	if r.window != nil {
		r.window.UpdateOnlineStatus(pres)
	}
}

func (r *roomBase) updateUnread() {
	if r.view != nil {
		r.view.UpdateUnreadCount(r.unread)
	}
	if r.window != nil {
		r.window.UpdateUnreadCount(r.unread)
	}
}

func (r *roomBase) updateTitleDisplays(title string) {
	if r.view != nil {
		r.view.UpdateTitle(title)
	}
	if r.window != nil {
		r.window.UpdateTitle(title)
	}
}

// syncProperties reconciles the mutable shared room properties against a
// remote descriptor. Structural properties must not change.
func (r *roomBase) syncProperties(desc *api.ChatDesc, group bool) error {
	if desc.Group != group || desc.Shard != r.shard {
		return ErrRoomShape
	}
	if desc.Address != r.address {
		r.address = desc.Address
		if err := r.rd.st.Rooms.SetAddress(r.id, desc.Address); err != nil {
			return err
		}
	}
	if desc.OwnPriv != r.ownPriv {
		r.ownPriv = desc.OwnPriv
		if err := r.rd.st.Rooms.SetOwnPriv(r.id, desc.OwnPriv); err != nil {
			return err
		}
	}
	return nil
}

// DirectRoom is a one-to-one chat room, linked to exactly one contact.
type DirectRoom struct {
	roomBase
	peer     t.Uid
	peerPriv t.Priv
	// The contact link is set at most once and cleared only when the
	// contact is destroyed.
	attached bool
	peerPres t.Presence
}

// IsGroup implements Room.
func (r *DirectRoom) IsGroup() bool { return false }

// Peer returns the peer's handle.
func (r *DirectRoom) Peer() t.Uid { return r.peer }

// PeerPriv returns the peer's privilege in the room.
func (r *DirectRoom) PeerPriv() t.Priv { return r.peerPriv }

// Title returns the linked contact's title, empty when detached.
func (r *DirectRoom) Title() string {
	if !r.attached {
		return ""
	}
	if ct := r.rd.contacts.Get(r.peer); ct != nil {
		return ct.Title()
	}
	return ""
}

// Presence returns the peer's live presence, forced to offline unless the
// room's transport connection is online.
func (r *DirectRoom) Presence() t.Presence {
	if r.connState != transport.RoomOnline {
		return t.PresenceOffline
	}
	return r.peerPres
}

func (r *roomBase) syncOwnPriv(priv t.Priv) error {
	if r.ownPriv == priv {
		return nil
	}
	r.ownPriv = priv
	return r.rd.st.Rooms.SetOwnPriv(r.id, priv)
}

func (r *DirectRoom) syncPeerPriv(priv t.Priv) error {
	if r.peerPriv == priv {
		return nil
	}
	r.peerPriv = priv
	return r.rd.st.Rooms.SetPeerPriv(r.id, priv)
}

// Member is one group room participant, owned by its room.
type Member struct {
	user     t.Uid
	priv     t.Priv
	name     string
	subToken uint64
}

// User returns the member's handle.
func (m *Member) User() t.Uid { return m.user }

// Priv returns the member's privilege.
func (m *Member) Priv() t.Priv { return m.priv }

// Name returns the member's resolved display name, empty while unknown.
func (m *Member) Name() string { return m.name }

// GroupRoom is a multi-user chat room.
type GroupRoom struct {
	roomBase
	members map[t.Uid]*Member
	// User-assigned title. When empty the title derives from the member
	// display names.
	titleOverride string
	title         string
}

// IsGroup implements Room.
func (r *GroupRoom) IsGroup() bool { return true }

// Title returns the effective title: the user override when set, else the
// derived member-name title.
func (r *GroupRoom) Title() string { return r.title }

// Presence mirrors the room's own transport connection state.
func (r *GroupRoom) Presence() t.Presence {
	if r.connState == transport.RoomOnline {
		return t.PresenceOnline
	}
	return t.PresenceOffline
}

// MemberCount returns the number of members.
func (r *GroupRoom) MemberCount() int { return len(r.members) }

// Member returns one member by handle, nil when absent.
func (r *GroupRoom) Member(user t.Uid) *Member { return r.members[user] }

// updateTitle recomputes the derived title unless the user override is
// set, and pushes it to the displays.
func (r *GroupRoom) updateTitle() {
	if r.titleOverride != "" {
		r.setTitle(r.titleOverride)
		return
	}

	uids := make([]t.Uid, 0, len(r.members))
	for user := range r.members {
		uids = append(uids, user)
	}
	t.SortUids(uids)

	names := make([]string, 0, len(uids))
	for _, user := range uids {
		if name := r.members[user].name; name != "" {
			names = append(names, name)
		}
	}
	r.setTitle(strings.Join(names, ", "))
}

func (r *GroupRoom) setTitle(title string) {
	r.title = title
	r.updateTitleDisplays(title)
}

// addMember inserts or updates one member. Persisted unless the row is
// already up to date. The own handle is never a member: a room tracks its
// peers only, own privilege lives on the room itself.
func (r *GroupRoom) addMember(user t.Uid, priv t.Priv, persist bool) error {
	if user == r.rd.own() {
		return nil
	}
	if m, ok := r.members[user]; ok {
		if m.priv == priv {
			return nil
		}
		m.priv = priv
		if persist {
			return r.rd.st.Members.SetPriv(r.id, user, priv)
		}
		return nil
	}

	m := &Member{user: user, priv: priv}
	r.members[user] = m
	statsInc("LiveGroupMembers", 1)
	// The title updates when the member's name resolves.
	m.subToken = r.rd.cache.Get(user, t.AttrDisplayName, func(data []byte) {
		if len(data) > 2 {
			m.name = displayString(data)
		} else {
			m.name = ""
		}
		r.updateTitle()
	})

	if persist {
		if err := r.rd.st.Members.Upsert(&t.Member{Chat: r.id, User: user, Priv: priv}); err != nil {
			return err
		}
	}
	r.updateTitle()
	return nil
}

// removeMember drops one member: persisted row, name subscription, title.
func (r *GroupRoom) removeMember(user t.Uid) error {
	m, ok := r.members[user]
	if !ok {
		logs.Warn.Println("rooms: remove of a member we don't have, ignoring")
		return nil
	}
	r.rd.cache.RemoveCb(m.subToken)
	delete(r.members, user)
	statsInc("LiveGroupMembers", -1)
	if err := r.rd.st.Members.Delete(r.id, user); err != nil {
		return err
	}
	r.updateTitle()
	return nil
}

// syncMembers reconciles the membership against the authoritative set.
func (r *GroupRoom) syncMembers(authoritative map[t.Uid]t.Priv) error {
	for user := range r.members {
		if _, ok := authoritative[user]; !ok {
			if err := r.removeMember(user); err != nil {
				return err
			}
		}
	}
	for user, priv := range authoritative {
		if err := r.addMember(user, priv, true); err != nil {
			return err
		}
	}
	return nil
}

// releaseMembers unsubscribes and drops every member without touching the
// persistent rows. Used on room teardown after the rows are gone.
func (r *GroupRoom) releaseMembers() {
	for user, m := range r.members {
		r.rd.cache.RemoveCb(m.subToken)
		delete(r.members, user)
		statsInc("LiveGroupMembers", -1)
	}
}

// SetUserTitle sets or clears (empty string) the user-assigned title
// override and persists it.
func (r *GroupRoom) SetUserTitle(title string) error {
	r.titleOverride = title
	if err := r.rd.st.Rooms.SetTitle(r.id, title); err != nil {
		return err
	}
	r.updateTitle()
	return nil
}

// RoomDirectory owns the set of chat rooms, keyed by chat id. All methods
// must be called from the engine's run loop.
type RoomDirectory struct {
	st       *store.Store
	cache    *AttributeCache
	contacts *ContactDirectory
	ui       UI
	tr       transport.Transport
	run      func(func())
	own      func() t.Uid

	rooms map[t.ChatID]Room
	// True while the transport link is up; rooms created in this state
	// join immediately.
	attached bool
}

func newRoomDirectory(st *store.Store, cache *AttributeCache, contacts *ContactDirectory,
	ui UI, tr transport.Transport, run func(func()), own func() t.Uid) (*RoomDirectory, error) {

	rd := &RoomDirectory{
		st:       st,
		cache:    cache,
		contacts: contacts,
		ui:       ui,
		tr:       tr,
		run:      run,
		own:      own,
		rooms:    make(map[t.ChatID]Room),
	}
	if err := rd.loadFromStore(); err != nil {
		return nil, err
	}
	return rd, nil
}

func (rd *RoomDirectory) loadFromStore() error {
	stored, err := rd.st.Rooms.GetAll()
	if err != nil {
		return err
	}

	for i := range stored {
		row := &stored[i]
		if rd.rooms[row.ID] != nil {
			logs.Warn.Println("rooms: store row duplicates a room already in memory, skipping", row.ID)
			continue
		}
		if row.Group {
			if err = rd.loadGroupRoom(row); err != nil {
				return err
			}
		} else {
			rd.loadDirectRoom(row)
		}
	}
	statsSet("LiveRooms", int64(len(rd.rooms)))
	return nil
}

func (rd *RoomDirectory) loadDirectRoom(row *t.Room) {
	r := &DirectRoom{
		roomBase: roomBase{rd: rd, id: row.ID, address: row.Address, shard: row.Shard, ownPriv: row.OwnPriv},
		peer:     row.Peer,
		peerPriv: row.PeerPriv,
	}
	rd.rooms[row.ID] = r
	rd.attachContact(r)
}

func (rd *RoomDirectory) loadGroupRoom(row *t.Room) error {
	r := &GroupRoom{
		roomBase:      roomBase{rd: rd, id: row.ID, address: row.Address, shard: row.Shard, ownPriv: row.OwnPriv},
		members:       make(map[t.Uid]*Member),
		titleOverride: row.Title,
	}
	r.view = rd.ui.ContactList().CreateGroupChatItem(row.ID, row.Title)
	rd.rooms[row.ID] = r

	members, err := rd.st.Members.GetAll(row.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err = r.addMember(m.User, m.Priv, false); err != nil {
			return err
		}
	}
	r.updateTitle()
	return nil
}

// attachContact links a direct room to its contact and adopts the
// contact's list item for displays.
func (rd *RoomDirectory) attachContact(r *DirectRoom) {
	view, err := rd.contacts.AttachRoomToContact(r.peer, r.id)
	if err != nil {
		// Tolerable for an unknown contact (the contact sync may remove
		// users while their room rows survive); a double attach is a bug.
		if errors.Is(err, ErrRoomAttached) {
			logs.Err.Println("rooms: direct room double-attach", r.id, err)
		} else {
			logs.Warn.Println("rooms: direct room has no contact", r.id, err)
		}
		return
	}
	r.attached = true
	r.view = view
}

// Get returns the room with the given chat id, nil when absent.
func (rd *RoomDirectory) Get(id t.ChatID) Room {
	return rd.rooms[id]
}

// Count returns the number of rooms held.
func (rd *RoomDirectory) Count() int {
	return len(rd.rooms)
}

// SyncRoomsWithAPI reconciles the directory against the authoritative room
// list with upsert semantics.
func (rd *RoomDirectory) SyncRoomsWithAPI(descs []api.ChatDesc) error {
	for i := range descs {
		if _, err := rd.AddRoom(&descs[i]); err != nil {
			return err
		}
	}
	statsSet("LiveRooms", int64(len(rd.rooms)))
	return nil
}

// AddRoom upserts one room from its remote descriptor: an existing room is
// reconciled, a new one is constructed, persisted and transport-joined.
func (rd *RoomDirectory) AddRoom(desc *api.ChatDesc) (Room, error) {
	if existing := rd.rooms[desc.ID]; existing != nil {
		return existing, rd.syncRoom(existing, desc)
	}

	if desc.Group {
		return rd.newGroupRoom(desc)
	}
	return rd.newDirectRoom(desc)
}

func (rd *RoomDirectory) syncRoom(r Room, desc *api.ChatDesc) error {
	switch room := r.(type) {
	case *DirectRoom:
		if err := room.syncProperties(desc, false); err != nil {
			return err
		}
		if len(desc.Members) != 1 {
			return errors.New("rooms: direct room descriptor must carry exactly one peer")
		}
		return room.syncPeerPriv(desc.Members[0].Priv)
	case *GroupRoom:
		if err := room.syncProperties(desc, true); err != nil {
			return err
		}
		return room.syncMembers(descMembersToMap(desc))
	}
	return nil
}

func (rd *RoomDirectory) newDirectRoom(desc *api.ChatDesc) (Room, error) {
	if len(desc.Members) != 1 {
		return nil, errors.New("rooms: direct room descriptor must carry exactly one peer")
	}
	peer := desc.Members[0]

	r := &DirectRoom{
		roomBase: roomBase{rd: rd, id: desc.ID, address: desc.Address, shard: desc.Shard, ownPriv: desc.OwnPriv},
		peer:     peer.User,
		peerPriv: peer.Priv,
	}
	err := rd.st.Rooms.Upsert(&t.Room{
		ID: desc.ID, Address: desc.Address, Shard: desc.Shard,
		Peer: peer.User, PeerPriv: peer.Priv, OwnPriv: desc.OwnPriv,
	})
	if err != nil {
		return nil, err
	}
	// Just in case: a direct room has no membership rows.
	if err = rd.st.Members.DeleteAll(desc.ID); err != nil {
		return nil, err
	}

	rd.rooms[desc.ID] = r
	rd.attachContact(r)
	logs.Info.Println("rooms: added direct room from API", desc.ID)
	rd.joinRoom(&r.roomBase)
	return r, nil
}

func (rd *RoomDirectory) newGroupRoom(desc *api.ChatDesc) (Room, error) {
	r := &GroupRoom{
		roomBase: roomBase{rd: rd, id: desc.ID, address: desc.Address, shard: desc.Shard, ownPriv: desc.OwnPriv},
		members:  make(map[t.Uid]*Member),
	}
	err := rd.st.Rooms.Upsert(&t.Room{
		ID: desc.ID, Address: desc.Address, Shard: desc.Shard,
		Group: true, OwnPriv: desc.OwnPriv,
	})
	if err != nil {
		return nil, err
	}
	if err = rd.st.Members.DeleteAll(desc.ID); err != nil {
		return nil, err
	}

	r.view = rd.ui.ContactList().CreateGroupChatItem(desc.ID, "")
	rd.rooms[desc.ID] = r
	for _, m := range desc.Members {
		if err = r.addMember(m.User, m.Priv, true); err != nil {
			return nil, err
		}
	}
	r.updateTitle()
	logs.Info.Println("rooms: added group room from API", desc.ID)
	rd.joinRoom(&r.roomBase)
	return r, nil
}

func descMembersToMap(desc *api.ChatDesc) map[t.Uid]t.Priv {
	members := make(map[t.Uid]t.Priv, len(desc.Members))
	for _, m := range desc.Members {
		members[m.User] = m.Priv
	}
	return members
}

// removeRoom tears a group room down locally: persisted rows, transport
// join, member subscriptions, list item. Direct rooms cannot be removed.
func (rd *RoomDirectory) removeRoom(id t.ChatID) error {
	r := rd.rooms[id]
	if r == nil {
		return ErrUnknownRoom
	}
	group, ok := r.(*GroupRoom)
	if !ok {
		return ErrNotGroup
	}

	if err := rd.st.Members.DeleteAll(id); err != nil {
		return err
	}
	if err := rd.st.Rooms.Delete(id); err != nil {
		return err
	}
	if rd.attached {
		if err := rd.tr.Leave(id); err != nil {
			logs.Warn.Println("rooms: transport leave failed:", err)
		}
	}
	group.releaseMembers()
	if group.view != nil {
		rd.ui.ContactList().RemoveGroupChatItem(group.view)
	}
	delete(rd.rooms, id)
	statsSet("LiveRooms", int64(len(rd.rooms)))
	return nil
}

// detachContactLink clears a direct room's contact reference. The room
// stays queryable; its title falls back to empty.
func (rd *RoomDirectory) detachContactLink(id t.ChatID) {
	if r, ok := rd.rooms[id].(*DirectRoom); ok {
		r.attached = false
		r.view = nil
	}
}

// contactTitleChanged forwards a contact title to the linked room window.
func (rd *RoomDirectory) contactTitleChanged(id t.ChatID, title string) {
	if r, ok := rd.rooms[id].(*DirectRoom); ok && r.window != nil {
		r.window.UpdateTitle(title)
	}
}

// OpenChatWindow creates (once) and returns the conversation window of a
// room, and clears its unread count.
func (rd *RoomDirectory) OpenChatWindow(id t.ChatID) (ChatWindow, error) {
	r := rd.rooms[id]
	if r == nil {
		return nil, ErrUnknownRoom
	}

	base := rd.baseOf(r)
	if base.window == nil {
		base.window = rd.ui.CreateChatWindow(id, r.Title())
		base.window.UpdateOnlineStatus(r.Presence())
	}
	base.unread = 0
	base.updateUnread()
	return base.window, nil
}

func (rd *RoomDirectory) baseOf(r Room) *roomBase {
	switch room := r.(type) {
	case *DirectRoom:
		return &room.roomBase
	case *GroupRoom:
		return &room.roomBase
	}
	return nil
}

// attachTransport joins every room to the live transport. Called after
// every successful (re)connect.
func (rd *RoomDirectory) attachTransport() {
	rd.attached = true
	for _, r := range rd.rooms {
		rd.joinRoom(rd.baseOf(r))
	}
}

// transportDown forces every room's connection state to offline.
func (rd *RoomDirectory) transportDown() {
	rd.attached = false
	for id := range rd.rooms {
		rd.onRoomState(id, transport.RoomOffline)
	}
}

func (rd *RoomDirectory) joinRoom(base *roomBase) {
	if !rd.attached {
		return
	}
	l := &roomListener{rd: rd, id: base.id}
	if err := rd.tr.Join(base.id, base.shard, base.address, l); err != nil {
		logs.Err.Println("rooms: transport join failed", base.id, err)
	}
}

// roomListener marshals per-room transport events onto the run loop.
type roomListener struct {
	rd *RoomDirectory
	id t.ChatID
}

func (l *roomListener) OnRoomState(state transport.RoomState) {
	l.rd.run(func() { l.rd.onRoomState(l.id, state) })
}

func (l *roomListener) OnUserJoined(user t.Uid, priv t.Priv) {
	l.rd.run(func() { l.rd.onUserJoined(l.id, user, priv) })
}

func (l *roomListener) OnUserLeft(user t.Uid) {
	l.rd.run(func() { l.rd.onUserLeft(l.id, user) })
}

func (l *roomListener) OnPresence(user t.Uid, pres t.Presence) {
	l.rd.run(func() { l.rd.onPresence(l.id, user, pres) })
}

func (l *roomListener) OnMessage(msg transport.Message) {
	l.rd.run(func() { l.rd.onMessage(l.id, msg) })
}

func (rd *RoomDirectory) onRoomState(id t.ChatID, state transport.RoomState) {
	r := rd.rooms[id]
	if r == nil {
		return
	}
	base := rd.baseOf(r)
	base.connState = state

	switch room := r.(type) {
	case *DirectRoom:
		if state == transport.RoomOnline {
			base.updateUnread()
			base.updateDisplays(room.peerPres)
		} else {
			base.updateDisplays(t.PresenceOffline)
		}
	case *GroupRoom:
		base.updateDisplays(room.Presence())
	}
}

func (rd *RoomDirectory) onUserJoined(id t.ChatID, user t.Uid, priv t.Priv) {
	switch room := rd.rooms[id].(type) {
	case *DirectRoom:
		var err error
		if user == rd.own() {
			err = room.syncOwnPriv(priv)
		} else if user == room.peer {
			err = room.syncPeerPriv(priv)
		} else {
			logs.Err.Println("rooms: join event for a third user on a direct room, ignoring", id)
		}
		if err != nil {
			logs.Err.Println("rooms: privilege persist failed:", err)
		}
	case *GroupRoom:
		if user == rd.own() {
			if err := room.syncOwnPriv(priv); err != nil {
				logs.Err.Println("rooms: privilege persist failed:", err)
			}
			return
		}
		if err := room.addMember(user, priv, true); err != nil {
			logs.Err.Println("rooms: member add failed:", err)
		}
	}
}

func (rd *RoomDirectory) onUserLeft(id t.ChatID, user t.Uid) {
	switch room := rd.rooms[id].(type) {
	case *DirectRoom:
		logs.Err.Println("rooms: leave event on a direct room, ignoring", id)
	case *GroupRoom:
		if err := room.removeMember(user); err != nil {
			logs.Err.Println("rooms: member remove failed:", err)
		}
	}
}

func (rd *RoomDirectory) onPresence(id t.ChatID, user t.Uid, pres t.Presence) {
	// Group rooms display their own connection state only.
	if room, ok := rd.rooms[id].(*DirectRoom); ok && user == room.peer {
		room.peerPres = pres
		if room.connState == transport.RoomOnline {
			room.updateDisplays(pres)
		}
	}
}

func (rd *RoomDirectory) onMessage(id t.ChatID, msg transport.Message) {
	r := rd.rooms[id]
	if r == nil {
		return
	}
	base := rd.baseOf(r)
	base.unread++
	base.updateUnread()
}
