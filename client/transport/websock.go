/******************************************************************************
 *
 *  Description :
 *
 *    Default transport implementation over a websocket connection. Frames
 *    are small JSON envelopes; correlation ids come from the local id
 *    generator.
 *
 *****************************************************************************/

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshtalk/meshtalk/client/logs"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send socket-level pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue size. A slow link drops the connection rather than
	// grow the queue without bound.
	sendQueueLimit = 128
)

// ErrNotConnected is returned for operations requiring a live link.
var ErrNotConnected = errors.New("transport: not connected")

type frame struct {
	ID      string   `json:"id,omitempty"`
	What    string   `json:"what"`
	Chat    t.ChatID `json:"chat,omitempty"`
	Shard   int      `json:"shard,omitempty"`
	Addr    string   `json:"addr,omitempty"`
	User    t.Uid    `json:"user,omitempty"`
	Priv    t.Priv   `json:"priv,omitempty"`
	State   string   `json:"state,omitempty"`
	Pres    string   `json:"pres,omitempty"`
	Content []byte   `json:"content,omitempty"`
}

// Websock is the default Transport over a websocket connection.
type Websock struct {
	mu sync.Mutex

	ws        *websocket.Conn
	connected bool
	// Deliberate local termination in progress; suppresses the failure
	// reason on the resulting disconnect event.
	closing bool

	send    chan []byte
	stop    chan bool
	rooms   map[t.ChatID]RoomListener
	pending map[string]chan error

	events chan Event
	gen    *t.LocalIDGenerator
}

// NewWebsock creates an unconnected websocket transport.
func NewWebsock(gen *t.LocalIDGenerator) *Websock {
	return &Websock{
		rooms:   make(map[t.ChatID]RoomListener),
		pending: make(map[string]chan error),
		events:  make(chan Event, 16),
		gen:     gen,
	}
}

// Connect dials the endpoint and starts the read and write loops.
func (w *Websock) Connect(ctx context.Context, addr Endpoint) error {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return errors.New("transport: already connected")
	}
	w.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: addr.String(), Path: "/live"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.ws = conn
	w.connected = true
	w.closing = false
	w.send = make(chan []byte, sendQueueLimit)
	w.stop = make(chan bool, 1)
	w.rooms = make(map[t.ChatID]RoomListener)
	w.mu.Unlock()

	go w.readLoop(conn)
	go w.writeLoop(conn, w.send, w.stop)

	w.events <- Event{Type: EventConnected}
	return nil
}

// Disconnect tears the link down deliberately.
func (w *Websock) Disconnect() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	conn := w.ws
	w.mu.Unlock()

	// Breaks the read loop; teardown happens there.
	return conn.Close()
}

// Connected reports whether the link is believed to be up.
func (w *Websock) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Events returns the top-level event stream.
func (w *Websock) Events() <-chan Event {
	return w.events
}

func (w *Websock) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var reason error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logs.Err.Println("ws: read loop:", err)
			}
			reason = err
			break
		}

		var f frame
		if err = json.Unmarshal(raw, &f); err != nil {
			logs.Warn.Println("ws: invalid frame:", err)
			continue
		}
		w.dispatch(&f)
	}

	w.teardown(conn, reason)
}

func (w *Websock) teardown(conn *websocket.Conn, reason error) {
	w.mu.Lock()
	if w.ws != conn {
		w.mu.Unlock()
		return
	}
	deliberate := w.closing
	w.connected = false
	w.ws = nil
	w.stop <- true
	for id, ch := range w.pending {
		ch <- ErrNotConnected
		delete(w.pending, id)
	}
	w.mu.Unlock()

	conn.Close()

	if deliberate {
		reason = nil
	}
	w.events <- Event{Type: EventDisconnected, Reason: reason}
}

func (w *Websock) dispatch(f *frame) {
	switch f.What {
	case "ping":
		w.events <- Event{Type: EventPing, ID: f.ID}
		return
	case "pong":
		w.mu.Lock()
		ch := w.pending[f.ID]
		delete(w.pending, f.ID)
		w.mu.Unlock()
		if ch != nil {
			ch <- nil
		}
		return
	}

	w.mu.Lock()
	l := w.rooms[f.Chat]
	w.mu.Unlock()
	if l == nil {
		logs.Warn.Println("ws: frame for unknown room", f.Chat, f.What)
		return
	}

	switch f.What {
	case "state":
		l.OnRoomState(parseRoomState(f.State))
	case "joined":
		l.OnUserJoined(f.User, f.Priv)
	case "left":
		l.OnUserLeft(f.User)
	case "pres":
		l.OnPresence(f.User, parsePresence(f.Pres))
	case "msg":
		l.OnMessage(Message{Chat: f.Chat, From: f.User, Content: f.Content})
	default:
		logs.Warn.Println("ws: unknown frame type", f.What)
	}
}

func (w *Websock) writeLoop(conn *websocket.Conn, send chan []byte, stop chan bool) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logs.Err.Println("ws: write loop:", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (w *Websock) sendFrame(f *frame) error {
	msg, _ := json.Marshal(f)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return ErrNotConnected
	}
	select {
	case w.send <- msg:
		return nil
	default:
		return errors.New("transport: outbound queue limit exceeded")
	}
}

// Ping performs one keep-alive round trip.
func (w *Websock) Ping(ctx context.Context) error {
	id := w.gen.GetStr()
	ch := make(chan error, 1)

	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()

	if err := w.sendFrame(&frame{ID: id, What: "ping"}); err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return ctx.Err()
	}
}

// Pong answers a peer ping.
func (w *Websock) Pong(id string) error {
	return w.sendFrame(&frame{ID: id, What: "pong"})
}

// AnnouncePresence publishes our own presence.
func (w *Websock) AnnouncePresence(pres t.Presence) error {
	return w.sendFrame(&frame{ID: w.gen.GetStr(), What: "pres", Pres: pres.String()})
}

// Join attaches a room to its route.
func (w *Websock) Join(chat t.ChatID, shard int, address string, l RoomListener) error {
	w.mu.Lock()
	w.rooms[chat] = l
	w.mu.Unlock()

	err := w.sendFrame(&frame{ID: w.gen.GetStr(), What: "join", Chat: chat, Shard: shard, Addr: address})
	if err != nil {
		w.mu.Lock()
		delete(w.rooms, chat)
		w.mu.Unlock()
		return err
	}

	// Live state arrives with the server's "state" frame.
	l.OnRoomState(RoomConnecting)
	return nil
}

// Leave detaches a room.
func (w *Websock) Leave(chat t.ChatID) error {
	w.mu.Lock()
	l := w.rooms[chat]
	delete(w.rooms, chat)
	w.mu.Unlock()
	if l == nil {
		return nil
	}

	return w.sendFrame(&frame{ID: w.gen.GetStr(), What: "leave", Chat: chat})
}

func parseRoomState(s string) RoomState {
	switch s {
	case "connecting":
		return RoomConnecting
	case "online":
		return RoomOnline
	}
	return RoomOffline
}

func parsePresence(s string) t.Presence {
	switch s {
	case "online":
		return t.PresenceOnline
	case "away":
		return t.PresenceAway
	case "busy":
		return t.PresenceBusy
	}
	return t.PresenceOffline
}
