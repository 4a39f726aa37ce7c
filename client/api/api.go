// Package api defines the capability interface of the remote account and
// directory API. The network transport and authentication mechanics behind
// it are the embedder's concern; the engine consumes this interface only.
package api

import (
	"context"

	t "github.com/meshtalk/meshtalk/client/store/types"
)

// Credentials are used for a fresh login.
type Credentials struct {
	Email    string
	Password string
}

// Session is the result of a successful authentication.
type Session struct {
	// Handle is our own user handle.
	Handle t.Uid
	// Token resumes this session later without credentials.
	Token string
}

// Profile is our own account metadata.
type Profile struct {
	Handle t.Uid
	Email  string
}

// User is a directory entry returned by FetchContacts.
type User struct {
	Handle t.Uid
	Email  string
}

// ChatMember is one member entry of a chat room descriptor.
type ChatMember struct {
	User t.Uid
	Priv t.Priv
}

// ChatDesc describes one chat room as known to the remote directory.
// For a direct room Members holds exactly one entry: the peer.
type ChatDesc struct {
	ID      t.ChatID
	Address string
	Shard   int
	Group   bool
	OwnPriv t.Priv
	Members []ChatMember
}

// UserChange reports remotely changed profile attributes of one user.
// Changed is a bitmask of types.Change* bits.
type UserChange struct {
	User    t.Uid
	Changed uint32
}

// Update is one batch of change notifications pushed by the remote API.
type Update struct {
	Users []UserChange
	Chats []ChatDesc
}

// Caller is the capability set of the remote API.
type Caller interface {
	// Login performs a fresh login with credentials.
	Login(ctx context.Context, creds Credentials) (*Session, error)
	// ResumeSession resumes a previous session from a cached token.
	ResumeSession(ctx context.Context, token string) (*Session, error)

	// FetchOwnProfile fetches our own account metadata.
	FetchOwnProfile(ctx context.Context) (*Profile, error)
	// FetchContacts fetches the authoritative contact list.
	FetchContacts(ctx context.Context) ([]User, error)
	// FetchChats fetches the authoritative list of chat rooms.
	FetchChats(ctx context.Context) ([]ChatDesc, error)
	// FetchUserAttribute fetches one profile attribute of one user.
	FetchUserAttribute(ctx context.Context, user t.Uid, attr t.AttrType) ([]byte, error)

	// CreateChat creates a chat room with the given members.
	CreateChat(ctx context.Context, group bool, members []ChatMember) (*ChatDesc, error)
	// InviteToChat adds a user to a group chat.
	InviteToChat(ctx context.Context, chat t.ChatID, user t.Uid, priv t.Priv) error
	// RemoveFromChat removes a user from a group chat.
	RemoveFromChat(ctx context.Context, chat t.ChatID, user t.Uid) error
	// LeaveChat removes us from a group chat.
	LeaveChat(ctx context.Context, chat t.ChatID) error

	// Updates is the change-notification stream for profile, contact and
	// chat mutations. The channel is closed when the API connection is
	// terminated. The engine is the only consumer.
	Updates() <-chan *Update
}
