package client

import (
	"errors"
	"testing"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

type contactFixture struct {
	loop   *testLoop
	caller *fakeCaller
	adp    *memAdapter
	list   *fakeList
	dir    *ContactDirectory
}

func newContactFixture(tt *testing.T, adp *memAdapter) *contactFixture {
	tt.Helper()
	fix := &contactFixture{
		loop:   newTestLoop(),
		caller: newFakeCaller(),
		adp:    adp,
		list:   newFakeList(),
	}
	st := store.NewStore(adp)
	cache, err := newAttributeCache(st, fix.caller, fix.loop.run, func() bool { return true })
	if err != nil {
		tt.Fatal("cache init failed:", err)
	}
	fix.loop.sync(func() {
		fix.dir, err = newContactDirectory(st, cache, fix.list)
	})
	if err != nil {
		tt.Fatal("directory init failed:", err)
	}
	tt.Cleanup(fix.loop.stop)
	return fix
}

func TestContactSyncAddRemove(tt *testing.T) {
	fix := newContactFixture(tt, newMemAdapter())
	own := t.Uid(1)
	alice := t.Uid(1001)
	bob := t.Uid(1002)

	fix.loop.sync(func() {
		err := fix.dir.SyncWithAPI([]api.User{
			{Handle: own, Email: "me@example.com"},
			{Handle: alice, Email: "alice@example.com"},
			{Handle: bob, Email: "bob@example.com"},
		}, own)
		if err != nil {
			tt.Fatal("sync failed:", err)
		}
		if fix.dir.Count() != 2 {
			tt.Errorf("contacts after sync: got %d, want 2", fix.dir.Count())
		}
		if fix.dir.Get(own) != nil {
			tt.Error("own handle must not become a contact")
		}
		if _, ok := fix.adp.contacts[alice]; !ok {
			tt.Error("contact not persisted")
		}
		if fix.list.contactItems[alice] == nil || fix.list.contactItems[bob] == nil {
			tt.Error("contact list items not created")
		}
	})

	// Bob disappeared from the authoritative list.
	fix.loop.sync(func() {
		if err := fix.dir.SyncWithAPI([]api.User{{Handle: alice, Email: "alice@example.com"}}, own); err != nil {
			tt.Fatal("second sync failed:", err)
		}
		if fix.dir.Get(bob) != nil {
			tt.Error("stale contact survived the sync")
		}
		if _, ok := fix.adp.contacts[bob]; ok {
			tt.Error("stale contact row survived the sync")
		}
		if fix.list.removedContact != 1 {
			tt.Errorf("removed list items: got %d, want 1", fix.list.removedContact)
		}
	})
}

func TestContactTitleResolvesToDisplayName(tt *testing.T) {
	fix := newContactFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	fix.caller.setAttr(alice, t.AttrFirstName, []byte("Alice"))
	fix.caller.setAttr(alice, t.AttrLastName, []byte("Jones"))

	fix.loop.sync(func() {
		if err := fix.dir.SyncWithAPI([]api.User{{Handle: alice, Email: "alice@example.com"}}, t.Uid(1)); err != nil {
			tt.Fatal("sync failed:", err)
		}
		// Email until the name resolves.
		if got := fix.dir.Get(alice).Title(); got != "alice@example.com" {
			tt.Errorf("initial title: got %q, want the email", got)
		}
	})

	fix.loop.waitCond(tt, "title resolution", func() bool {
		return fix.dir.Get(alice).Title() == "Alice Jones"
	})
	fix.loop.sync(func() {
		if got := fix.list.contactItems[alice].title; got != "Alice Jones" {
			tt.Errorf("list item title: got %q, want %q", got, "Alice Jones")
		}
	})
}

func TestContactTitleFallsBackToEmail(tt *testing.T) {
	fix := newContactFixture(tt, newMemAdapter())
	fix.caller.attrErr = errors.New("unavailable")
	alice := t.Uid(1001)

	fix.loop.sync(func() {
		if err := fix.dir.SyncWithAPI([]api.User{{Handle: alice, Email: "alice@example.com"}}, t.Uid(1)); err != nil {
			tt.Fatal("sync failed:", err)
		}
	})
	fix.loop.waitCond(tt, "failed name fetch", func() bool {
		return fix.caller.numAttrFetches() > 0
	})
	fix.loop.sync(func() {
		if got := fix.dir.Get(alice).Title(); got != "alice@example.com" {
			tt.Errorf("title after failed fetch: got %q, want the email", got)
		}
	})
}

func TestAttachRoomToContact(tt *testing.T) {
	fix := newContactFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	room := t.ChatID(50)

	fix.loop.sync(func() {
		if err := fix.dir.SyncWithAPI([]api.User{{Handle: alice, Email: "a@b.c"}}, t.Uid(1)); err != nil {
			tt.Fatal("sync failed:", err)
		}

		view, err := fix.dir.AttachRoomToContact(alice, room)
		if err != nil {
			tt.Fatal("attach failed:", err)
		}
		if view == nil {
			tt.Error("attach returned no view")
		}
		if fix.dir.Get(alice).Room() != room {
			tt.Error("room link not recorded")
		}

		if _, err = fix.dir.AttachRoomToContact(alice, t.ChatID(51)); !errors.Is(err, ErrRoomAttached) {
			tt.Errorf("double attach: got %v, want ErrRoomAttached", err)
		}
		if _, err = fix.dir.AttachRoomToContact(t.Uid(9999), room); !errors.Is(err, ErrUnknownContact) {
			tt.Errorf("unknown user: got %v, want ErrUnknownContact", err)
		}
	})
}

func TestContactRemovalDetachesRoom(tt *testing.T) {
	fix := newContactFixture(tt, newMemAdapter())
	alice := t.Uid(1001)
	room := t.ChatID(50)

	var detached []t.ChatID
	fix.dir.setRoomHooks(nil, func(id t.ChatID) { detached = append(detached, id) })

	fix.loop.sync(func() {
		if err := fix.dir.SyncWithAPI([]api.User{{Handle: alice, Email: "a@b.c"}}, t.Uid(1)); err != nil {
			tt.Fatal("sync failed:", err)
		}
		if _, err := fix.dir.AttachRoomToContact(alice, room); err != nil {
			tt.Fatal("attach failed:", err)
		}
		if err := fix.dir.RemoveUser(alice); err != nil {
			tt.Fatal("remove failed:", err)
		}
		if len(detached) != 1 || detached[0] != room {
			tt.Errorf("detach hook calls: got %v, want [%v]", detached, room)
		}
	})
}

func TestContactLoadFromStore(tt *testing.T) {
	adp := newMemAdapter()
	alice := t.Uid(1001)
	adp.contacts[alice] = t.Contact{User: alice, Email: "alice@example.com"}
	fix := newContactFixture(tt, adp)

	fix.loop.sync(func() {
		ct := fix.dir.Get(alice)
		if ct == nil {
			tt.Fatal("stored contact not loaded")
		}
		if ct.Email() != "alice@example.com" {
			tt.Errorf("email: got %q", ct.Email())
		}
		if fix.list.contactItems[alice] == nil {
			tt.Error("list item not created for the stored contact")
		}
	})
}
