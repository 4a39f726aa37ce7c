package client

import (
	"errors"
	"testing"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
	"github.com/meshtalk/meshtalk/client/transport"
)

type roomFixture struct {
	loop     *testLoop
	caller   *fakeCaller
	adp      *memAdapter
	ui       *fakeUI
	tr       *fakeTransport
	contacts *ContactDirectory
	rd       *RoomDirectory
	own      t.Uid
}

func newRoomFixture(tt *testing.T, adp *memAdapter) *roomFixture {
	tt.Helper()
	fix := &roomFixture{
		loop:   newTestLoop(),
		caller: newFakeCaller(),
		adp:    adp,
		ui:     newFakeUI(),
		tr:     newFakeTransport(),
		own:    t.Uid(1),
	}
	st := store.NewStore(adp)
	cache, err := newAttributeCache(st, fix.caller, fix.loop.run, func() bool { return true })
	if err != nil {
		tt.Fatal("cache init failed:", err)
	}
	fix.loop.sync(func() {
		fix.contacts, err = newContactDirectory(st, cache, fix.ui.list)
		if err != nil {
			return
		}
		fix.rd, err = newRoomDirectory(st, cache, fix.contacts, fix.ui, fix.tr, fix.loop.run,
			func() t.Uid { return fix.own })
		if err != nil {
			return
		}
		fix.contacts.setRoomHooks(fix.rd.contactTitleChanged, fix.rd.detachContactLink)
	})
	if err != nil {
		tt.Fatal("fixture init failed:", err)
	}
	tt.Cleanup(fix.loop.stop)
	return fix
}

func (fix *roomFixture) syncContacts(tt *testing.T, users ...api.User) {
	tt.Helper()
	fix.loop.sync(func() {
		if err := fix.contacts.SyncWithAPI(users, fix.own); err != nil {
			tt.Fatal("contact sync failed:", err)
		}
	})
}

func directDesc(id t.ChatID, peer t.Uid) api.ChatDesc {
	return api.ChatDesc{
		ID: id, Address: "route-a", Shard: 2, OwnPriv: t.PrivFull,
		Members: []api.ChatMember{{User: peer, Priv: t.PrivFull}},
	}
}

func groupDesc(id t.ChatID, members ...t.Uid) api.ChatDesc {
	desc := api.ChatDesc{ID: id, Address: "route-g", Shard: 5, Group: true, OwnPriv: t.PrivFull}
	for _, m := range members {
		desc.Members = append(desc.Members, api.ChatMember{User: m, Priv: t.PrivRead})
	}
	return desc
}

func TestRoomSyncCreatesRooms(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	bob := t.Uid(1002)
	carol := t.Uid(1003)
	fix.syncContacts(tt, api.User{Handle: alice, Email: "alice@example.com"})

	fix.loop.sync(func() {
		err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{
			directDesc(50, alice),
			groupDesc(60, bob, carol),
		})
		if err != nil {
			tt.Fatal("room sync failed:", err)
		}
		if fix.rd.Count() != 2 {
			tt.Fatalf("rooms: got %d, want 2", fix.rd.Count())
		}

		direct, ok := fix.rd.Get(50).(*DirectRoom)
		if !ok {
			tt.Fatal("chat 50 is not a direct room")
		}
		if direct.Peer() != alice {
			tt.Error("wrong peer on the direct room")
		}
		if got := direct.Title(); got != "alice@example.com" {
			tt.Errorf("direct title: got %q, want the contact title", got)
		}
		if fix.contacts.Get(alice).Room() != t.ChatID(50) {
			tt.Error("room not linked to the contact")
		}

		group, ok := fix.rd.Get(60).(*GroupRoom)
		if !ok {
			tt.Fatal("chat 60 is not a group room")
		}
		if group.MemberCount() != 2 {
			tt.Errorf("group members: got %d, want 2", group.MemberCount())
		}
		if fix.ui.list.groupItems[60] == nil {
			tt.Error("group list item not created")
		}

		if _, ok := fix.adp.rooms[50]; !ok {
			tt.Error("direct room not persisted")
		}
		if len(fix.adp.members[60]) != 2 {
			tt.Error("group membership not persisted")
		}
	})
}

func TestGroupTitleFromMemberNames(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	bob := t.Uid(1002)
	carol := t.Uid(1003)
	fix.caller.setAttr(bob, t.AttrFirstName, []byte("Bob"))
	fix.caller.setAttr(bob, t.AttrLastName, []byte("Ray"))
	fix.caller.setAttr(carol, t.AttrFirstName, []byte("Carol"))
	fix.caller.setAttr(carol, t.AttrLastName, []byte("Ann"))

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, carol, bob)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
	})

	// Names joined in ascending handle order regardless of arrival order.
	fix.loop.waitCond(tt, "derived group title", func() bool {
		return fix.rd.Get(60).Title() == "Bob Ray, Carol Ann"
	})
}

func TestGroupTitleOverride(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	bob := t.Uid(1002)

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, bob)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
		group := fix.rd.Get(60).(*GroupRoom)
		if err := group.SetUserTitle("Ops Channel"); err != nil {
			tt.Fatal("title override failed:", err)
		}
		if group.Title() != "Ops Channel" {
			tt.Errorf("title: got %q, want the override", group.Title())
		}
		if fix.adp.rooms[60].Title != "Ops Channel" {
			tt.Error("override not persisted")
		}

		if err := group.SetUserTitle(""); err != nil {
			tt.Fatal("override clear failed:", err)
		}
		if group.Title() == "Ops Channel" {
			tt.Error("cleared override still in effect")
		}
	})
}

func TestRoomShapeChangeRejected(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	bob := t.Uid(1002)

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, bob)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}

		flipped := directDesc(60, bob)
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{flipped}); !errors.Is(err, ErrRoomShape) {
			tt.Errorf("group flag flip: got %v, want ErrRoomShape", err)
		}

		moved := groupDesc(60, bob)
		moved.Shard = 9
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{moved}); !errors.Is(err, ErrRoomShape) {
			tt.Errorf("shard change: got %v, want ErrRoomShape", err)
		}
	})
}

func TestRoomSyncUpdatesMutableProperties(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	fix.syncContacts(tt, api.User{Handle: alice, Email: "a@b.c"})

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{directDesc(50, alice)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}

		updated := directDesc(50, alice)
		updated.Address = "route-b"
		updated.OwnPriv = t.PrivRead
		updated.Members[0].Priv = t.PrivRead
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{updated}); err != nil {
			tt.Fatal("second sync failed:", err)
		}

		room := fix.rd.Get(50).(*DirectRoom)
		if room.Address() != "route-b" || room.OwnPriv() != t.PrivRead || room.PeerPriv() != t.PrivRead {
			tt.Error("mutable properties not reconciled")
		}
		row := fix.adp.rooms[50]
		if row.Address != "route-b" || row.OwnPriv != t.PrivRead || row.PeerPriv != t.PrivRead {
			tt.Error("mutable properties not persisted")
		}
	})
}

func TestGroupOwnHandleIsNotAMember(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	bob := t.Uid(1002)

	fix.loop.sync(func() {
		// The authoritative member list may carry the own handle; the
		// room tracks its peers only.
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, alice, bob, fix.own)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}

		group := fix.rd.Get(60).(*GroupRoom)
		if group.MemberCount() != 2 {
			tt.Errorf("group members: got %d, want 2", group.MemberCount())
		}
		if group.Member(fix.own) != nil {
			tt.Error("own handle tracked as a group member")
		}
		if _, ok := fix.adp.members[60][fix.own]; ok {
			tt.Error("own handle persisted as a member row")
		}
	})
}

func TestGroupOwnJoinUpdatesOwnPrivilege(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, alice)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
		fix.rd.onUserJoined(60, fix.own, t.PrivRead)

		group := fix.rd.Get(60).(*GroupRoom)
		if group.MemberCount() != 1 {
			tt.Errorf("group members: got %d, want 1", group.MemberCount())
		}
		if group.OwnPriv() != t.PrivRead {
			tt.Errorf("own privilege: got %v, want %v", group.OwnPriv(), t.PrivRead)
		}
		if fix.adp.rooms[60].OwnPriv != t.PrivRead {
			tt.Error("own privilege not persisted")
		}
	})
}

func TestGroupMembershipSync(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	bob := t.Uid(1002)
	carol := t.Uid(1003)
	dave := t.Uid(1004)

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, bob, carol)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
		// Carol out, Dave in.
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, bob, dave)}); err != nil {
			tt.Fatal("second sync failed:", err)
		}

		group := fix.rd.Get(60).(*GroupRoom)
		if group.Member(carol) != nil {
			tt.Error("removed member still present")
		}
		if group.Member(dave) == nil {
			tt.Error("new member missing")
		}
		if _, ok := fix.adp.members[60][carol]; ok {
			tt.Error("removed member row survived")
		}
		if _, ok := fix.adp.members[60][dave]; !ok {
			tt.Error("new member row missing")
		}
	})
}

func TestDirectRoomPresenceGating(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	fix.syncContacts(tt, api.User{Handle: alice, Email: "a@b.c"})

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{directDesc(50, alice)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
		fix.rd.attachTransport()
	})

	l := fix.tr.listener(50)
	if l == nil {
		tt.Fatal("room not joined after transport attach")
	}

	// Presence arriving while the room is not yet online stays hidden.
	l.OnPresence(alice, t.PresenceAway)
	fix.loop.sync(func() {
		if got := fix.rd.Get(50).Presence(); got != t.PresenceOffline {
			tt.Errorf("presence before the room is online: got %v, want offline", got)
		}
	})

	l.OnRoomState(transport.RoomOnline)
	fix.loop.waitCond(tt, "room online", func() bool {
		return fix.rd.Get(50).Presence() == t.PresenceAway
	})

	fix.loop.sync(func() {
		fix.rd.transportDown()
		if got := fix.rd.Get(50).Presence(); got != t.PresenceOffline {
			tt.Errorf("presence after transport loss: got %v, want offline", got)
		}
	})
}

func TestUnreadCountAndWindow(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	bob := t.Uid(1002)

	fix.loop.sync(func() {
		if err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{groupDesc(60, bob)}); err != nil {
			tt.Fatal("room sync failed:", err)
		}
		fix.rd.onMessage(60, transport.Message{Chat: 60, From: bob, Content: []byte("hi")})
		fix.rd.onMessage(60, transport.Message{Chat: 60, From: bob, Content: []byte("there")})
		if got := fix.rd.Get(60).UnreadCount(); got != 2 {
			tt.Errorf("unread: got %d, want 2", got)
		}
		if got := fix.ui.list.groupItems[60].unread; got != 2 {
			tt.Errorf("list badge: got %d, want 2", got)
		}

		if _, err := fix.rd.OpenChatWindow(60); err != nil {
			tt.Fatal("open window failed:", err)
		}
		if got := fix.rd.Get(60).UnreadCount(); got != 0 {
			tt.Errorf("unread after open: got %d, want 0", got)
		}
		if fix.ui.windows[60] == nil {
			tt.Error("chat window not created")
		}
	})
}

func TestRemoveGroupRoom(tt *testing.T) {
	fix := newRoomFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	bob := t.Uid(1002)
	fix.syncContacts(tt, api.User{Handle: alice, Email: "a@b.c"})

	fix.loop.sync(func() {
		err := fix.rd.SyncRoomsWithAPI([]api.ChatDesc{directDesc(50, alice), groupDesc(60, bob)})
		if err != nil {
			tt.Fatal("room sync failed:", err)
		}
		fix.rd.attachTransport()

		if err = fix.rd.removeRoom(50); !errors.Is(err, ErrNotGroup) {
			tt.Errorf("direct removal: got %v, want ErrNotGroup", err)
		}
		if err = fix.rd.removeRoom(60); err != nil {
			tt.Fatal("group removal failed:", err)
		}
		if fix.rd.Get(60) != nil {
			tt.Error("removed room still in the directory")
		}
		if _, ok := fix.adp.rooms[60]; ok {
			tt.Error("room row survived removal")
		}
		if len(fix.adp.members[60]) != 0 {
			tt.Error("member rows survived removal")
		}
		if len(fix.tr.left) != 1 || fix.tr.left[0] != t.ChatID(60) {
			tt.Errorf("transport leaves: got %v, want [60]", fix.tr.left)
		}
		if fix.ui.list.groupItems[60] != nil {
			tt.Error("group list item survived removal")
		}
	})
}

func TestRoomsLoadFromStore(tt *testing.T) {
	adp := newMemAdapter()
	alice := t.Uid(1001)
	bob := t.Uid(1002)
	adp.contacts[alice] = t.Contact{User: alice, Email: "alice@example.com"}
	adp.rooms[50] = t.Room{ID: 50, Address: "route-a", Shard: 2, Peer: alice, PeerPriv: t.PrivFull, OwnPriv: t.PrivFull}
	adp.rooms[60] = t.Room{ID: 60, Address: "route-g", Shard: 5, Group: true, OwnPriv: t.PrivFull}
	adp.members[60] = map[t.Uid]t.Priv{bob: t.PrivRead}

	fix := newRoomFixture(tt, adp)

	fix.loop.sync(func() {
		direct, ok := fix.rd.Get(50).(*DirectRoom)
		if !ok {
			tt.Fatal("stored direct room not loaded")
		}
		if direct.Title() != "alice@example.com" {
			tt.Errorf("loaded direct title: got %q", direct.Title())
		}
		group, ok := fix.rd.Get(60).(*GroupRoom)
		if !ok {
			tt.Fatal("stored group room not loaded")
		}
		if group.Member(bob) == nil {
			tt.Error("stored membership not loaded")
		}
	})
}
