/******************************************************************************
 *
 *  Description :
 *
 *    Cache of user profile attributes with subscriber notification. Entries
 *    are keyed by (user handle, attribute type), mirrored to the persistent
 *    store for non-virtual types, and refreshed at most one fetch per key
 *    at a time.
 *
 *****************************************************************************/

package client

import (
	"context"

	"github.com/meshtalk/meshtalk/client/api"
	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

// AttrCallback receives the resolved value of a subscribed attribute.
// A nil slice means the value is unknown; subscribers must not retry.
type AttrCallback func(data []byte)

const (
	attrNotPending = iota
	attrNewPending
	attrUpdatePending
)

// Attribute types the cache knows how to invalidate.
var knownAttrTypes = []t.AttrType{t.AttrAvatar, t.AttrFirstName, t.AttrLastName, t.AttrDisplayName}

type attrKey struct {
	user t.Uid
	attr t.AttrType
}

type attrSub struct {
	token uint64
	cb    AttrCallback
}

type attrEntry struct {
	data    []byte
	pending int
	subs    []attrSub
}

// AttributeCache caches profile attributes per (user, type) key. All
// methods must be called from the engine's run loop; fetch completions are
// marshalled back onto it.
type AttributeCache struct {
	st     *store.Store
	caller api.Caller
	// run posts a continuation onto the run loop.
	run func(func())
	// loggedIn gates fetches: none are issued before authentication.
	loggedIn func() bool

	entries   map[attrKey]*attrEntry
	tokens    map[uint64]attrKey
	lastToken uint64
}

func newAttributeCache(st *store.Store, caller api.Caller, run func(func()), loggedIn func() bool) (*AttributeCache, error) {
	ac := &AttributeCache{
		st:       st,
		caller:   caller,
		run:      run,
		loggedIn: loggedIn,
		entries:  make(map[attrKey]*attrEntry),
		tokens:   make(map[uint64]attrKey),
	}

	// Warm the cache from the persistent mirror. Virtual types are never
	// mirrored, so only real ones load.
	attrs, err := st.Attrs.GetAll(t.VirtualAttrBase)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		ac.entries[attrKey{a.User, a.Type}] = &attrEntry{data: a.Data, pending: attrNotPending}
	}

	return ac, nil
}

// Get subscribes cb to the attribute of the given user and returns the
// subscription token. If a value is already cached (possibly stale while a
// refresh is in flight) cb is invoked synchronously before registration
// takes effect for future updates. A nil cb performs no registration and
// returns 0, but still triggers a fetch for an absent entry.
func (ac *AttributeCache) Get(user t.Uid, attr t.AttrType, cb AttrCallback) uint64 {
	key := attrKey{user, attr}
	if e, ok := ac.entries[key]; ok {
		if cb == nil {
			return 0
		}
		token := ac.addSub(key, e, cb)
		if e.pending != attrNewPending {
			cb(e.data)
		}
		return token
	}

	e := &attrEntry{pending: attrNewPending}
	ac.entries[key] = e
	var token uint64
	if cb != nil {
		token = ac.addSub(key, e, cb)
	}
	ac.fetch(key, e)
	return token
}

// RemoveCb detaches a subscriber. An in-flight fetch is not affected.
func (ac *AttributeCache) RemoveCb(token uint64) bool {
	key, ok := ac.tokens[token]
	if !ok {
		return false
	}
	delete(ac.tokens, token)

	e := ac.entries[key]
	if e == nil {
		return false
	}
	for i := range e.subs {
		if e.subs[i].token == token {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	return true
}

// OnLogin re-issues the fetches suppressed while we were logged out.
func (ac *AttributeCache) OnLogin() {
	for key, e := range ac.entries {
		if e.pending != attrNotPending {
			ac.fetch(key, e)
		}
	}
}

// OnUserChange handles an external change notification: invalidates the
// persistent mirror and either evicts the unused entry or refreshes it.
func (ac *AttributeCache) OnUserChange(changes []api.UserChange) {
	for _, ch := range changes {
		for _, attr := range knownAttrTypes {
			if ch.Changed&attr.ChangeMask() == 0 {
				continue
			}
			key := attrKey{ch.User, attr}
			e, ok := ac.entries[key]
			if !ok {
				continue
			}

			if !attr.IsVirtual() {
				if err := ac.st.Attrs.Delete(key.user, key.attr); err != nil {
					logs.Warn.Println("attrcache: mirror invalidation failed:", err)
				}
			}

			if len(e.subs) == 0 {
				// Nobody is watching. Drop it; the next Get refetches.
				delete(ac.entries, key)
				statsInc("AttrCacheEvictionsTotal", 1)
				continue
			}
			if e.pending != attrNotPending {
				continue
			}
			e.pending = attrUpdatePending
			ac.fetch(key, e)
		}
	}
}

func (ac *AttributeCache) addSub(key attrKey, e *attrEntry, cb AttrCallback) uint64 {
	ac.lastToken++
	token := ac.lastToken
	e.subs = append(e.subs, attrSub{token: token, cb: cb})
	ac.tokens[token] = key
	return token
}

// notify invokes every subscriber with the current value. A callback may
// remove its own subscription while running.
func (ac *AttributeCache) notify(e *attrEntry) {
	subs := make([]attrSub, len(e.subs))
	copy(subs, e.subs)
	for _, s := range subs {
		s.cb(e.data)
	}
}

// fetch issues the remote fetch for the key. The entry must already be in
// a pending state; at most one fetch is in flight per key.
func (ac *AttributeCache) fetch(key attrKey, e *attrEntry) {
	if !ac.loggedIn() {
		// Stays pending; OnLogin re-issues.
		return
	}

	statsInc("AttrCacheFetchesTotal", 1)
	if key.attr == t.AttrDisplayName {
		ac.fetchDisplayName(key, e)
		return
	}

	go func() {
		data, err := ac.caller.FetchUserAttribute(context.Background(), key.user, key.attr)
		ac.run(func() {
			ac.settle(key, e, data, err)
		})
	}()
}

// fetchDisplayName resolves the composite display name: the first name,
// then the last name, concatenated into one buffer.
func (ac *AttributeCache) fetchDisplayName(key attrKey, e *attrEntry) {
	go func() {
		ctx := context.Background()
		var data []byte
		first, err := ac.caller.FetchUserAttribute(ctx, key.user, t.AttrFirstName)
		if err == nil {
			var last []byte
			last, err = ac.caller.FetchUserAttribute(ctx, key.user, t.AttrLastName)
			if err == nil {
				data = composeDisplayName(first, last)
			}
		}
		ac.run(func() {
			ac.settle(key, e, data, err)
		})
	}()
}

// settle finishes a fetch on the run loop: stores the result, mirrors it
// and notifies subscribers. Runs once per issued fetch.
func (ac *AttributeCache) settle(key attrKey, e *attrEntry, data []byte, err error) {
	if ac.entries[key] != e {
		// Evicted while the fetch was in flight.
		return
	}

	e.pending = attrNotPending
	if err != nil {
		logs.Warn.Printf("attrcache: fetch of %s/%d failed: %s", key.user, key.attr, err)
		e.data = nil
		ac.notify(e)
		return
	}

	e.data = data
	if !key.attr.IsVirtual() {
		if werr := ac.st.Attrs.Put(&t.CachedAttr{User: key.user, Type: key.attr, Data: data}); werr != nil {
			logs.Warn.Println("attrcache: mirror write failed:", werr)
		}
	}
	ac.notify(e)
}

// composeDisplayName builds the composite display-name buffer: a single
// length byte, the first name capped at 255 bytes with a 3-byte ellipsis
// when truncated, a separator, then the last name.
func composeDisplayName(first, last []byte) []byte {
	var buf []byte
	if len(first) > 255 {
		buf = append(buf, 255)
		buf = append(buf, first[:252]...)
		buf = append(buf, "..."...)
	} else {
		buf = append(buf, byte(len(first)))
		buf = append(buf, first...)
	}
	buf = append(buf, ' ')
	return append(buf, last...)
}

// displayString renders a composite display-name buffer for display by
// stripping the length prefix. Empty when the value is unknown.
func displayString(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	return string(data[1:])
}
