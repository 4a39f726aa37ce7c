// Package types defines the identity and record types shared by the client
// engine and the persistent store adapters.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sort"
)

// Uid is an opaque 64-bit user handle, stable across sessions.
type Uid uint64

// ZeroUid is a non-value of type Uid.
const ZeroUid Uid = 0

const (
	uidBase64Unpadded = 11
	uidBase64Padded   = 12
)

// IsZero checks if Uid is unassigned.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// Compare returns -1, 0 or 1 depending on the relative order of uid and u2.
func (uid Uid) Compare(u2 Uid) int {
	if uid < u2 {
		return -1
	} else if uid > u2 {
		return 1
	}
	return 0
}

// MarshalBinary converts Uid to byte slice.
func (uid Uid) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(dst, uint64(uid))
	return dst, nil
}

// UnmarshalBinary reads Uid from a byte slice.
func (uid *Uid) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.New("Uid.UnmarshalBinary: invalid length")
	}
	*uid = Uid(binary.LittleEndian.Uint64(b))
	return nil
}

// UnmarshalText reads Uid from an unpadded base64url string.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) != uidBase64Unpadded {
		return errors.New("Uid.UnmarshalText: invalid length")
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(uidBase64Padded))
	for len(src) < uidBase64Padded {
		src = append(src, '=')
	}
	count, err := base64.URLEncoding.Decode(dec, src)
	if count < 8 {
		if err != nil {
			return errors.New("Uid.UnmarshalText: failed to decode " + err.Error())
		}
		return errors.New("Uid.UnmarshalText: failed to decode")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalText converts Uid to an unpadded base64url string.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid == 0 {
		return []byte{}, nil
	}
	src := make([]byte, 8)
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	binary.LittleEndian.PutUint64(src, uint64(uid))
	base64.URLEncoding.Encode(dst, src)
	return dst[0:uidBase64Unpadded], nil
}

// String returns the string representation of the Uid, empty string for a zero Uid.
func (uid Uid) String() string {
	buf, _ := uid.MarshalText()
	return string(buf)
}

// ParseUid parses a string into a Uid. Returns ZeroUid on failure.
func ParseUid(s string) Uid {
	var uid Uid
	uid.UnmarshalText([]byte(s))
	return uid
}

// ChatID is the unique identifier of a chat room, stable across reconciliation.
type ChatID uint64

// ZeroChatID is a non-value of type ChatID.
const ZeroChatID ChatID = 0

// IsZero checks if the ChatID is unassigned.
func (id ChatID) IsZero() bool {
	return id == 0
}

// String returns the string representation of the ChatID.
func (id ChatID) String() string {
	return Uid(id).String()
}

// AttrType is an enumerated kind of cached user profile data.
type AttrType int

const (
	// AttrAvatar is the user's avatar image.
	AttrAvatar AttrType = 0
	// AttrFirstName is the user's first name.
	AttrFirstName AttrType = 1
	// AttrLastName is the user's last name.
	AttrLastName AttrType = 2

	// VirtualAttrBase is the first of the virtual attribute types.
	// Virtual attributes are never written to the persistent mirror.
	VirtualAttrBase AttrType = 128

	// AttrDisplayName is the composite display name assembled from the
	// first and last names. It is one logical attribute for caching but
	// has no remote counterpart of its own, hence virtual.
	AttrDisplayName AttrType = VirtualAttrBase
)

// IsVirtual reports whether the type is excluded from the persistent mirror.
func (t AttrType) IsVirtual() bool {
	return t >= VirtualAttrBase
}

// Change notification bits, as delivered by the remote API's update stream.
const (
	ChangeAvatar    uint32 = 1 << 0
	ChangeFirstName uint32 = 1 << 1
	ChangeLastName  uint32 = 1 << 2
)

// ChangeMask returns the update-stream bits which invalidate this attribute.
func (t AttrType) ChangeMask() uint32 {
	switch t {
	case AttrAvatar:
		return ChangeAvatar
	case AttrFirstName:
		return ChangeFirstName
	case AttrLastName:
		return ChangeLastName
	case AttrDisplayName:
		return ChangeFirstName | ChangeLastName
	}
	return 0
}

// Priv is a per-user permission rank within a room.
type Priv int

const (
	// PrivNone - no access.
	PrivNone Priv = 0
	// PrivRead - read-only access.
	PrivRead Priv = 1
	// PrivFull - full read-write access.
	PrivFull Priv = 2
)

// Presence is a user's live status as reported by the real-time transport.
type Presence int

const (
	// PresenceOffline - user is not connected.
	PresenceOffline Presence = iota
	// PresenceOnline - user is connected and active.
	PresenceOnline
	// PresenceAway - user is connected but idle.
	PresenceAway
	// PresenceBusy - user asked not to be disturbed.
	PresenceBusy
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceAway:
		return "away"
	case PresenceBusy:
		return "busy"
	}
	return "offline"
}

// Contact is a stored contact-list entry.
type Contact struct {
	User  Uid
	Email string
}

// Room is a stored chat room. Peer and PeerPriv are meaningful for
// direct rooms only; Title holds the user-assigned override of a group
// room. Group and Shard are immutable once the room is created.
type Room struct {
	ID       ChatID
	Address  string
	Shard    int
	Group    bool
	Peer     Uid
	PeerPriv Priv
	OwnPriv  Priv
	Title    string
}

// Member is a stored group room membership row.
type Member struct {
	Chat ChatID
	User Uid
	Priv Priv
}

// CachedAttr is a persisted mirror row of an attribute cache entry.
type CachedAttr struct {
	User Uid
	Type AttrType
	Data []byte
}

// SortUids sorts a slice of Uids in ascending order, in place.
func SortUids(uids []Uid) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}
