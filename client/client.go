/******************************************************************************
 *
 *  Description :
 *
 *    Top level chat engine: session bootstrap, the single run loop every
 *    directory mutation is marshalled onto, the keepalive prober, and the
 *    pumps draining the API update stream and the transport event stream.
 *
 *****************************************************************************/

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/discovery"
	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
	"github.com/meshtalk/meshtalk/client/transport"
)

const (
	varOwnHandle = "own_handle"
	varOwnEmail  = "own_email"
	varSessToken = "session_token"
)

// ErrHandleMismatch is returned when a login comes back with a handle
// different from the one the local database belongs to. The database must
// be reset before another account can use it.
var ErrHandleMismatch = errors.New("client: session handle does not match the local database owner")

// ErrNoSession is returned by a credential-less start when no resumable
// session token is stored.
var ErrNoSession = errors.New("client: no stored session to resume")

// ErrTerminated is returned for operations on a terminated engine.
var ErrTerminated = errors.New("client: terminated")

// Client is the chat engine. One instance per account database. All state
// behind it is owned by the run loop goroutine; public methods may be
// called from any goroutine.
type Client struct {
	cfg    *Config
	st     *store.Store
	caller api.Caller
	tr     transport.Transport
	ui     UI
	rc     *reconnectController

	loop chan func()
	// Guards terminating and the closing of loop.
	termLock    sync.RWMutex
	terminating bool

	// Closed at Terminate; the event and update pumps select on it.
	stop  chan bool
	pumps sync.WaitGroup

	ownHandle    t.Uid
	ownEmail     string
	ownName      string
	ownNameToken uint64
	loggedIn     bool

	cache    *AttributeCache
	contacts *ContactDirectory
	rooms    *RoomDirectory

	kaStop chan bool
}

// New assembles an engine over an opened store, a remote API caller, a
// transport and the host UI. The run loop starts immediately; the session
// does not exist until Start.
func New(cfg *Config, st *store.Store, caller api.Caller, tr transport.Transport,
	provider discovery.Provider, ui UI) (*Client, error) {

	c := &Client{
		cfg:    cfg,
		st:     st,
		caller: caller,
		tr:     tr,
		ui:     ui,
		loop:   make(chan func(), 256),
		stop:   make(chan bool),
		kaStop: make(chan bool, 1),
	}
	c.rc = newReconnectController(cfg.Reconnect, provider, tr, func() {
		c.queue(c.transportUp)
	})

	var err error
	c.cache, err = newAttributeCache(st, caller, c.queue, func() bool { return c.loggedIn })
	if err != nil {
		return nil, err
	}
	c.contacts, err = newContactDirectory(st, c.cache, ui.ContactList())
	if err != nil {
		return nil, err
	}
	c.rooms, err = newRoomDirectory(st, c.cache, c.contacts, ui, tr, c.queue,
		func() t.Uid { return c.ownHandle })
	if err != nil {
		return nil, err
	}
	c.contacts.setRoomHooks(c.rooms.contactTitleChanged, c.rooms.detachContactLink)

	if handle, err := st.Vars.Get(varOwnHandle); err == nil && handle != "" {
		c.ownHandle = t.ParseUid(handle)
	}
	if email, err := st.Vars.Get(varOwnEmail); err == nil {
		c.ownEmail = email
	}

	go c.runLoop()
	c.pumps.Add(2)
	go c.transportEventPump()
	go c.updatePump()
	return c, nil
}

func (c *Client) runLoop() {
	for f := range c.loop {
		f()
	}
}

// queue marshals a closure onto the run loop. Closures submitted after
// Terminate are dropped.
func (c *Client) queue(f func()) {
	c.termLock.RLock()
	defer c.termLock.RUnlock()
	if c.terminating {
		return
	}
	c.loop <- f
}

func (c *Client) isTerminating() bool {
	c.termLock.RLock()
	defer c.termLock.RUnlock()
	return c.terminating
}

// sync runs a closure on the run loop and waits for it.
func (c *Client) sync(f func()) error {
	done := make(chan bool, 1)
	c.termLock.RLock()
	if c.terminating {
		c.termLock.RUnlock()
		return ErrTerminated
	}
	c.loop <- func() {
		f()
		done <- true
	}
	c.termLock.RUnlock()
	<-done
	return nil
}

// OwnHandle returns our own user handle, zero before the first login.
func (c *Client) OwnHandle() t.Uid { return c.ownHandle }

// OwnEmail returns our own account email, empty before the first login.
func (c *Client) OwnEmail() string { return c.ownEmail }

// Contacts exposes the contact directory. Use from run-loop callbacks or
// after Start returned.
func (c *Client) Contacts() *ContactDirectory { return c.contacts }

// Rooms exposes the room directory. Same access rule as Contacts.
func (c *Client) Rooms() *RoomDirectory { return c.rooms }

// Cache exposes the user attribute cache.
func (c *Client) Cache() *AttributeCache { return c.cache }

// Start brings the session up: authenticates, loads the authoritative
// contact and chat lists, connects the transport and joins every room.
// With nil creds a stored session token is resumed. Start blocks until the
// engine is fully online or a step fails; a failed step fails the whole
// bootstrap.
func (c *Client) Start(ctx context.Context, creds *api.Credentials) error {
	statsInc("BootstrapsTotal", 1)
	if err := c.bootstrap(ctx, creds); err != nil {
		statsInc("BootstrapFailuresTotal", 1)
		return err
	}
	go c.keepaliveLoop()
	return nil
}

func (c *Client) bootstrap(ctx context.Context, creds *api.Credentials) error {
	sess, fresh, err := c.login(ctx, creds)
	if err != nil {
		return err
	}
	if !c.ownHandle.IsZero() && sess.Handle != c.ownHandle {
		return ErrHandleMismatch
	}
	if err = c.adoptSession(sess, fresh); err != nil {
		return err
	}

	// The remote fetches and the transport connect proceed in parallel;
	// the first failure wins and fails the bootstrap.
	var (
		profile  *api.Profile
		users    []api.User
		chats    []api.ChatDesc
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		if err != nil {
			errOnce.Do(func() { firstErr = err })
		}
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		var err error
		profile, err = c.caller.FetchOwnProfile(ctx)
		fail(err)
	}()
	go func() {
		defer wg.Done()
		var err error
		users, err = c.caller.FetchContacts(ctx)
		fail(err)
	}()
	go func() {
		defer wg.Done()
		var err error
		chats, err = c.caller.FetchChats(ctx)
		fail(err)
	}()
	go func() {
		defer wg.Done()
		fail(<-c.rc.start())
	}()
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	var applyErr error
	err = c.sync(func() {
		applyErr = c.applyBootstrap(profile, users, chats)
	})
	if err != nil {
		return err
	}
	return applyErr
}

func (c *Client) login(ctx context.Context, creds *api.Credentials) (*api.Session, bool, error) {
	if creds != nil {
		sess, err := c.caller.Login(ctx, *creds)
		return sess, true, err
	}
	token, err := c.st.Vars.Get(varSessToken)
	if err != nil {
		return nil, false, err
	}
	if token == "" {
		return nil, false, ErrNoSession
	}
	sess, err := c.caller.ResumeSession(ctx, token)
	return sess, false, err
}

// adoptSession records the session identity. The token is persisted only
// when it came from a fresh credential login; a resumed token is already
// on disk.
func (c *Client) adoptSession(sess *api.Session, fresh bool) error {
	return c.sync(func() {
		c.ownHandle = sess.Handle
		c.loggedIn = true
		if err := c.st.Vars.Set(varOwnHandle, sess.Handle.String()); err != nil {
			logs.Err.Println("client: failed to persist own handle:", err)
		}
		if fresh {
			if err := c.st.Vars.Set(varSessToken, sess.Token); err != nil {
				logs.Err.Println("client: failed to persist session token:", err)
			}
		}
	})
}

// applyBootstrap commits the fetched state. Run-loop only.
func (c *Client) applyBootstrap(profile *api.Profile, users []api.User, chats []api.ChatDesc) error {
	if profile.Handle != c.ownHandle {
		return ErrHandleMismatch
	}
	c.ownEmail = profile.Email
	if err := c.st.Vars.Set(varOwnEmail, profile.Email); err != nil {
		return err
	}
	if err := c.contacts.SyncWithAPI(users, c.ownHandle); err != nil {
		return err
	}
	if err := c.rooms.SyncRoomsWithAPI(chats); err != nil {
		return err
	}
	c.cache.OnLogin()
	if c.ownNameToken == 0 {
		c.ownNameToken = c.cache.Get(c.ownHandle, t.AttrDisplayName, func(data []byte) {
			if len(data) > 2 {
				c.ownName = displayString(data)
			} else {
				c.ownName = c.ownEmail
			}
		})
	}
	return nil
}

// OwnDisplayName returns the resolved display name of the session owner,
// falling back to the account email until the name arrives.
func (c *Client) OwnDisplayName() (string, error) {
	var name string
	err := c.sync(func() {
		name = c.ownName
		if name == "" {
			name = c.ownEmail
		}
	})
	return name, err
}

// transportUp runs on the loop after every successful (re)connect.
func (c *Client) transportUp() {
	logs.Info.Println("client: transport link up")
	c.rooms.attachTransport()
	if err := c.tr.AnnouncePresence(t.PresenceOnline); err != nil {
		logs.Warn.Println("client: presence announce failed:", err)
	}
}

// transportEventPump drains transport events onto the run loop. Exits at
// Terminate or when the event channel closes.
func (c *Client) transportEventPump() {
	defer c.pumps.Done()
	for {
		var ev transport.Event
		var ok bool
		select {
		case <-c.stop:
			return
		case ev, ok = <-c.tr.Events():
			if !ok {
				return
			}
		}
		statsInc("TransportEventsTotal", 1)
		switch ev.Type {
		case transport.EventConnected:
			// Handled through the reconnect controller's callback; every
			// connect goes through it.
		case transport.EventDisconnected:
			reason := ev.Reason
			c.queue(func() { c.transportLost(reason) })
		case transport.EventPing:
			if err := c.tr.Pong(ev.ID); err != nil {
				logs.Warn.Println("client: pong failed:", err)
			}
		}
	}
}

// transportLost runs on the loop when the link drops. A deliberate local
// disconnect carries a nil reason and does not trigger a reconnect.
func (c *Client) transportLost(reason error) {
	c.rooms.transportDown()
	if reason == nil || c.isTerminating() {
		return
	}
	logs.Warn.Println("client: transport link lost:", reason)
	go func() {
		if err := <-c.rc.start(); err != nil {
			logs.Err.Println("client: reconnect cycle ended:", err)
		}
	}()
}

// updatePump drains the API change-notification stream onto the run loop.
// Exits at Terminate or when the embedder closes the stream.
func (c *Client) updatePump() {
	defer c.pumps.Done()
	for {
		select {
		case <-c.stop:
			return
		case u, ok := <-c.caller.Updates():
			if !ok {
				return
			}
			c.queue(func() { c.applyUpdate(u) })
		}
	}
}

func (c *Client) applyUpdate(u *api.Update) {
	if len(u.Users) > 0 {
		c.cache.OnUserChange(u.Users)
	}
	for i := range u.Chats {
		if _, err := c.rooms.AddRoom(&u.Chats[i]); err != nil {
			logs.Err.Println("client: chat update failed:", err)
		}
	}
}

// keepaliveLoop probes the link at the configured interval. A failed probe
// drops the connection so the regular reconnect path takes over.
func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.tr.Connected() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepaliveTimeout())
			err := c.tr.Ping(ctx)
			cancel()
			if err != nil && c.tr.Connected() {
				logs.Warn.Println("client: keepalive probe failed, dropping the link:", err)
				c.tr.Disconnect()
			}
		case <-c.kaStop:
			return
		}
	}
}

// NotifyNetworkOffline is the host platform's hint that connectivity is
// gone. Safe from any goroutine.
func (c *Client) NotifyNetworkOffline() {
	c.rc.networkOffline()
}

// NotifyNetworkOnline is the host platform's hint that connectivity is
// back. Safe from any goroutine.
func (c *Client) NotifyNetworkOnline() {
	if done, started := c.rc.networkOnline(); started {
		go func() {
			if err := <-done; err != nil {
				logs.Err.Println("client: reconnect cycle ended:", err)
			}
		}()
	}
}

// SetOwnPresence announces our own presence to every joined room.
func (c *Client) SetOwnPresence(pres t.Presence) error {
	if !c.tr.Connected() {
		return transport.ErrNotConnected
	}
	return c.tr.AnnouncePresence(pres)
}

// CreateDirectChat creates a one-to-one chat room with a contact and adds
// it to the directory.
func (c *Client) CreateDirectChat(ctx context.Context, peer t.Uid) (Room, error) {
	desc, err := c.caller.CreateChat(ctx, false, []api.ChatMember{{User: peer, Priv: t.PrivFull}})
	if err != nil {
		return nil, err
	}
	return c.addRoomSync(desc)
}

// CreateGroupChat creates a group chat room with the given initial members
// and adds it to the directory.
func (c *Client) CreateGroupChat(ctx context.Context, members []api.ChatMember) (Room, error) {
	desc, err := c.caller.CreateChat(ctx, true, members)
	if err != nil {
		return nil, err
	}
	return c.addRoomSync(desc)
}

func (c *Client) addRoomSync(desc *api.ChatDesc) (Room, error) {
	var (
		room Room
		err  error
	)
	if serr := c.sync(func() { room, err = c.rooms.AddRoom(desc) }); serr != nil {
		return nil, serr
	}
	return room, err
}

// InviteToGroupChat invites a user to a group chat. The membership change
// lands through the room's join event.
func (c *Client) InviteToGroupChat(ctx context.Context, chat t.ChatID, user t.Uid, priv t.Priv) error {
	if err := c.requireGroup(chat); err != nil {
		return err
	}
	return c.caller.InviteToChat(ctx, chat, user, priv)
}

// RemoveFromGroupChat removes a user from a group chat.
func (c *Client) RemoveFromGroupChat(ctx context.Context, chat t.ChatID, user t.Uid) error {
	if err := c.requireGroup(chat); err != nil {
		return err
	}
	return c.caller.RemoveFromChat(ctx, chat, user)
}

// LeaveGroupChat removes us from a group chat and tears the room down
// locally.
func (c *Client) LeaveGroupChat(ctx context.Context, chat t.ChatID) error {
	if err := c.requireGroup(chat); err != nil {
		return err
	}
	if err := c.caller.LeaveChat(ctx, chat); err != nil {
		return err
	}
	var err error
	if serr := c.sync(func() { err = c.rooms.removeRoom(chat) }); serr != nil {
		return serr
	}
	return err
}

func (c *Client) requireGroup(chat t.ChatID) error {
	var err error
	serr := c.sync(func() {
		r := c.rooms.Get(chat)
		if r == nil {
			err = ErrUnknownRoom
		} else if !r.IsGroup() {
			err = ErrNotGroup
		}
	})
	if serr != nil {
		return serr
	}
	return err
}

// OpenChatWindow opens (or returns) the conversation window of a room and
// clears its unread count.
func (c *Client) OpenChatWindow(chat t.ChatID) (ChatWindow, error) {
	var (
		w   ChatWindow
		err error
	)
	if serr := c.sync(func() { w, err = c.rooms.OpenChatWindow(chat) }); serr != nil {
		return nil, serr
	}
	return w, err
}

// Terminate shuts the engine down: reconnects stop, the link drops, the
// run loop drains and exits, the store closes. Callbacks queued after this
// point are dropped.
func (c *Client) Terminate() {
	c.termLock.Lock()
	if c.terminating {
		c.termLock.Unlock()
		return
	}
	c.terminating = true
	c.termLock.Unlock()

	c.rc.shutdown()
	select {
	case c.kaStop <- true:
	default:
	}
	close(c.stop)
	if c.tr.Connected() {
		if err := c.tr.Disconnect(); err != nil {
			logs.Warn.Println("client: disconnect failed:", err)
		}
	}
	c.pumps.Wait()

	c.loop <- func() { c.loggedIn = false }
	close(c.loop)
	if err := c.st.Close(); err != nil {
		logs.Warn.Println("client: store close failed:", err)
	}
	logs.Info.Println("client: terminated")
}
