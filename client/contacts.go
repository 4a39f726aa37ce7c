package client

import (
	"errors"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

// ErrRoomAttached is returned on an attempt to attach a second direct room
// to a contact. The link is set at most once.
var ErrRoomAttached = errors.New("contacts: contact already has a room attached")

// ErrUnknownContact is returned when a user handle is not in the directory.
var ErrUnknownContact = errors.New("contacts: unknown user")

// Contact is one directory entry: a non-self remote user we know about.
type Contact struct {
	dir   *ContactDirectory
	user  t.Uid
	email string
	title string
	// Linked direct room, zero when none. Set at most once.
	room     t.ChatID
	subToken uint64
	view     ItemView
}

// User returns the contact's handle.
func (ct *Contact) User() t.Uid { return ct.user }

// Email returns the contact's email.
func (ct *Contact) Email() string { return ct.email }

// Title returns the display title: the resolved display name, or the email
// while the name is unknown.
func (ct *Contact) Title() string { return ct.title }

// Room returns the linked direct room id, zero when none.
func (ct *Contact) Room() t.ChatID { return ct.room }

func (ct *Contact) updateTitle(title string) {
	ct.title = title
	ct.view.UpdateTitle(title)
	if !ct.room.IsZero() && ct.dir.onTitle != nil {
		ct.dir.onTitle(ct.room, title)
	}
}

// ContactDirectory owns the set of known contacts, keyed by user handle.
// All methods must be called from the engine's run loop.
type ContactDirectory struct {
	st    *store.Store
	cache *AttributeCache
	list  ContactListView

	// onTitle forwards a contact title change to the linked room's window.
	onTitle func(room t.ChatID, title string)
	// detachRoom clears a room's contact link when the contact is removed.
	detachRoom func(room t.ChatID)

	contacts map[t.Uid]*Contact
}

func newContactDirectory(st *store.Store, cache *AttributeCache, list ContactListView) (*ContactDirectory, error) {
	cd := &ContactDirectory{
		st:       st,
		cache:    cache,
		list:     list,
		contacts: make(map[t.Uid]*Contact),
	}

	stored, err := st.Contacts.GetAll()
	if err != nil {
		return nil, err
	}
	for _, c := range stored {
		cd.newContact(c.User, c.Email)
	}

	return cd, nil
}

// setRoomHooks wires the cross-directory links. Called once the room
// directory exists.
func (cd *ContactDirectory) setRoomHooks(onTitle func(room t.ChatID, title string), detachRoom func(room t.ChatID)) {
	cd.onTitle = onTitle
	cd.detachRoom = detachRoom
}

// Get returns the contact with the given handle, nil when absent.
func (cd *ContactDirectory) Get(user t.Uid) *Contact {
	return cd.contacts[user]
}

// Count returns the number of known contacts.
func (cd *ContactDirectory) Count() int {
	return len(cd.contacts)
}

// SyncWithAPI reconciles the directory against the authoritative remote
// list: every remote user except ourselves ends up present, every local
// contact missing remotely is removed.
func (cd *ContactDirectory) SyncWithAPI(users []api.User, own t.Uid) error {
	remote := make(map[t.Uid]bool, len(users))
	for _, u := range users {
		if u.Handle == own {
			continue
		}
		remote[u.Handle] = true
		if cd.contacts[u.Handle] != nil {
			continue
		}
		if err := cd.addUser(u); err != nil {
			return err
		}
	}

	for user, ct := range cd.contacts {
		if remote[user] {
			continue
		}
		if err := cd.removeContact(ct); err != nil {
			return err
		}
	}

	statsSet("LiveContacts", int64(len(cd.contacts)))
	return nil
}

// RemoveUser removes one contact. The linked direct room, if any, is
// detached but not destroyed.
func (cd *ContactDirectory) RemoveUser(user t.Uid) error {
	ct := cd.contacts[user]
	if ct == nil {
		logs.Err.Println("contacts: remove of unknown user", user)
		return ErrUnknownContact
	}
	return cd.removeContact(ct)
}

// AttachRoomToContact links a direct room to its contact and returns the
// contact's list item for the room's displays. The link may be set only
// once over the contact's lifetime.
func (cd *ContactDirectory) AttachRoomToContact(user t.Uid, room t.ChatID) (ItemView, error) {
	ct := cd.contacts[user]
	if ct == nil {
		return nil, ErrUnknownContact
	}
	if !ct.room.IsZero() {
		return nil, ErrRoomAttached
	}
	ct.room = room
	return ct.view, nil
}

func (cd *ContactDirectory) addUser(u api.User) error {
	if err := cd.st.Contacts.Upsert(&t.Contact{User: u.Handle, Email: u.Email}); err != nil {
		return err
	}
	cd.newContact(u.Handle, u.Email)
	logs.Info.Println("contacts: added new user from API:", u.Email)
	return nil
}

func (cd *ContactDirectory) newContact(user t.Uid, email string) *Contact {
	ct := &Contact{
		dir:   cd,
		user:  user,
		email: email,
		title: email,
	}
	ct.view = cd.list.CreateContactItem(user, email)
	ct.view.UpdateTitle(email)
	cd.contacts[user] = ct

	// Display names resolve lazily; fall back to the email until (and
	// unless) a usable name arrives. A buffer of two bytes or less is the
	// length prefix plus the separator: both names empty.
	ct.subToken = cd.cache.Get(user, t.AttrDisplayName, func(data []byte) {
		if len(data) <= 2 {
			ct.updateTitle(ct.email)
		} else {
			ct.updateTitle(displayString(data))
		}
	})
	return ct
}

func (cd *ContactDirectory) removeContact(ct *Contact) error {
	if !ct.room.IsZero() && cd.detachRoom != nil {
		cd.detachRoom(ct.room)
	}
	cd.cache.RemoveCb(ct.subToken)
	cd.list.RemoveContactItem(ct.view)
	delete(cd.contacts, ct.user)
	return cd.st.Contacts.Delete(ct.user)
}
