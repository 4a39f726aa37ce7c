// Package transport defines the capability interface of the real-time
// message exchange and provides the default websocket implementation.
package transport

import (
	"context"
	"strconv"

	t "github.com/meshtalk/meshtalk/client/store/types"
)

// Endpoint is a host/port pair resolved by the discovery service.
type Endpoint struct {
	Host string
	Port int
}

// IsZero checks if the endpoint is unassigned.
func (e Endpoint) IsZero() bool {
	return e.Host == ""
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// RoomState is the connection state of one joined room.
type RoomState int

const (
	// RoomOffline - the room is not attached to the transport.
	RoomOffline RoomState = iota
	// RoomConnecting - the join is in progress.
	RoomConnecting
	// RoomOnline - the room is live.
	RoomOnline
)

func (s RoomState) String() string {
	switch s {
	case RoomConnecting:
		return "connecting"
	case RoomOnline:
		return "online"
	}
	return "offline"
}

// Message is one live message delivered to a joined room.
type Message struct {
	Chat    t.ChatID
	From    t.Uid
	Content []byte
}

// RoomListener receives the per-room event stream. Methods are invoked on
// the transport's reader goroutine; the registering side marshals.
type RoomListener interface {
	// OnRoomState reports a connection state change of the room.
	OnRoomState(state RoomState)
	// OnUserJoined reports a user joining the room (or a privilege change).
	OnUserJoined(user t.Uid, priv t.Priv)
	// OnUserLeft reports a user leaving the room.
	OnUserLeft(user t.Uid)
	// OnPresence reports a presence change of a room participant.
	OnPresence(user t.Uid, pres t.Presence)
	// OnMessage delivers one live message.
	OnMessage(msg Message)
}

// EventType is the kind of a top-level transport event.
type EventType int

const (
	// EventConnected - the transport link came up.
	EventConnected EventType = iota
	// EventDisconnected - the link went down, deliberately or not.
	EventDisconnected
	// EventPing - the peer sent a keep-alive ping which must be answered
	// with Pong(ID).
	EventPing
)

// Event is a top-level transport event.
type Event struct {
	Type EventType
	// ID of the ping to answer. Set for EventPing.
	ID string
	// Reason of the disconnect, nil for a deliberate local one.
	Reason error
}

// Transport is the capability set of the real-time transport.
type Transport interface {
	// Connect establishes the link to the given endpoint. Blocks until the
	// link is up, the context expires or the attempt fails.
	Connect(ctx context.Context, addr Endpoint) error
	// Disconnect tears the link down deliberately.
	Disconnect() error
	// Connected reports whether the link is believed to be up.
	Connected() bool
	// Events is the top-level event stream: connects, disconnects, pings.
	Events() <-chan Event

	// Ping performs one keep-alive round trip.
	Ping(ctx context.Context) error
	// Pong answers a peer ping delivered as EventPing.
	Pong(id string) error
	// AnnouncePresence publishes our own presence.
	AnnouncePresence(pres t.Presence) error

	// Join attaches a room to its route. Room events are delivered to the
	// listener until Leave.
	Join(chat t.ChatID, shard int, address string, l RoomListener) error
	// Leave detaches a room.
	Leave(chat t.ChatID) error
}
