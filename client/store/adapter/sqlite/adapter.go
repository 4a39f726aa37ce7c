// Package sqlite implements the store adapter on top of a local SQLite file.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meshtalk/meshtalk/client/store"
	t "github.com/meshtalk/meshtalk/client/store/types"
)

// adapter holds the SQLite connection.
type adapter struct {
	db *sqlx.DB
}

const (
	defaultDSN  = "meshtalk.db"
	adapterName = "sqlite"
)

type configType struct {
	// DSN is the path of the database file, possibly with connection
	// options appended ("file:...?_busy_timeout=5000").
	DSN string `json:"dsn,omitempty"`
}

func init() {
	store.RegisterAdapter(adapterName, &adapter{})
}

// Open opens the database file.
func (a *adapter) Open(jsonconf json.RawMessage) error {
	if a.db != nil {
		return errors.New("sqlite: adapter is already connected")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("sqlite: failed to parse config: " + err.Error())
		}
	}

	dsn := config.DSN
	if dsn == "" {
		dsn = defaultDSN
	}

	var err error
	a.db, err = sqlx.Open("sqlite3", dsn)
	if err != nil {
		return err
	}

	// sql.Open does not touch the file. Force it here.
	if err = a.db.Ping(); err != nil {
		a.db.Close()
		a.db = nil
		return err
	}

	// The engine is the only writer; a single connection avoids
	// SQLITE_BUSY on concurrent statement preparation.
	a.db.SetMaxOpenConns(1)

	return nil
}

// Close closes the underlying database connection.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	return err
}

// IsOpen returns true if the connection is established.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb creates the schema. With reset all existing data is dropped first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		for _, table := range []string{"vars", "contacts", "chats", "chat_peers", "userattrs"} {
			if _, err := a.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return err
			}
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS vars(
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS contacts(
			userid INTEGER PRIMARY KEY,
			email TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS chats(
			chatid INTEGER PRIMARY KEY,
			address TEXT NOT NULL,
			shard INTEGER NOT NULL,
			isgroup INTEGER NOT NULL,
			peer INTEGER NOT NULL,
			peer_priv INTEGER NOT NULL,
			own_priv INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '')`,
		`CREATE TABLE IF NOT EXISTS chat_peers(
			chatid INTEGER NOT NULL,
			userid INTEGER NOT NULL,
			priv INTEGER NOT NULL,
			PRIMARY KEY(chatid, userid))`,
		`CREATE TABLE IF NOT EXISTS userattrs(
			userid INTEGER NOT NULL,
			type INTEGER NOT NULL,
			data BLOB,
			PRIMARY KEY(userid, type))`,
	}
	for _, stmt := range ddl {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// VarGet reads a session variable; empty string when unset.
func (a *adapter) VarGet(name string) (string, error) {
	var value string
	err := a.db.Get(&value, "SELECT value FROM vars WHERE name=?", name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// VarSet writes a session variable.
func (a *adapter) VarSet(name, value string) error {
	_, err := a.db.Exec("INSERT OR REPLACE INTO vars(name, value) VALUES(?,?)", name, value)
	return err
}

// VarDel deletes a session variable.
func (a *adapter) VarDel(name string) error {
	_, err := a.db.Exec("DELETE FROM vars WHERE name=?", name)
	return err
}

// Contact rows. SQLite integers are signed; 64-bit handles are stored as
// their int64 bit pattern and converted back on load.

type contactRow struct {
	Userid int64  `db:"userid"`
	Email  string `db:"email"`
}

// ContactGetAll loads the whole stored contact list.
func (a *adapter) ContactGetAll() ([]t.Contact, error) {
	var rows []contactRow
	if err := a.db.Select(&rows, "SELECT userid, email FROM contacts"); err != nil {
		return nil, err
	}

	contacts := make([]t.Contact, len(rows))
	for i, r := range rows {
		contacts[i] = t.Contact{User: t.Uid(r.Userid), Email: r.Email}
	}
	return contacts, nil
}

// ContactUpsert inserts or replaces a contact row.
func (a *adapter) ContactUpsert(c *t.Contact) error {
	_, err := a.db.Exec("INSERT OR REPLACE INTO contacts(userid, email) VALUES(?,?)",
		int64(c.User), c.Email)
	return err
}

// ContactDelete removes a contact row.
func (a *adapter) ContactDelete(user t.Uid) error {
	_, err := a.db.Exec("DELETE FROM contacts WHERE userid=?", int64(user))
	return err
}

type roomRow struct {
	Chatid   int64  `db:"chatid"`
	Address  string `db:"address"`
	Shard    int    `db:"shard"`
	Isgroup  int    `db:"isgroup"`
	Peer     int64  `db:"peer"`
	PeerPriv int    `db:"peer_priv"`
	OwnPriv  int    `db:"own_priv"`
	Title    string `db:"title"`
}

// RoomGetAll loads all stored rooms.
func (a *adapter) RoomGetAll() ([]t.Room, error) {
	var rows []roomRow
	err := a.db.Select(&rows,
		"SELECT chatid, address, shard, isgroup, peer, peer_priv, own_priv, title FROM chats")
	if err != nil {
		return nil, err
	}

	rooms := make([]t.Room, len(rows))
	for i, r := range rows {
		rooms[i] = t.Room{
			ID:       t.ChatID(r.Chatid),
			Address:  r.Address,
			Shard:    r.Shard,
			Group:    r.Isgroup != 0,
			Peer:     t.Uid(r.Peer),
			PeerPriv: t.Priv(r.PeerPriv),
			OwnPriv:  t.Priv(r.OwnPriv),
			Title:    r.Title,
		}
	}
	return rooms, nil
}

// RoomUpsert inserts or replaces a room row.
func (a *adapter) RoomUpsert(r *t.Room) error {
	isgroup := 0
	if r.Group {
		isgroup = 1
	}
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO chats(chatid, address, shard, isgroup, peer, peer_priv, own_priv, title)
		VALUES(?,?,?,?,?,?,?,?)`,
		int64(r.ID), r.Address, r.Shard, isgroup, int64(r.Peer),
		int(r.PeerPriv), int(r.OwnPriv), r.Title)
	return err
}

// RoomSetAddress updates the transport address of a room.
func (a *adapter) RoomSetAddress(id t.ChatID, address string) error {
	_, err := a.db.Exec("UPDATE chats SET address=? WHERE chatid=?", address, int64(id))
	return err
}

// RoomSetOwnPriv updates our own privilege in a room.
func (a *adapter) RoomSetOwnPriv(id t.ChatID, priv t.Priv) error {
	_, err := a.db.Exec("UPDATE chats SET own_priv=? WHERE chatid=?", int(priv), int64(id))
	return err
}

// RoomSetPeerPriv updates the peer's privilege in a direct room.
func (a *adapter) RoomSetPeerPriv(id t.ChatID, priv t.Priv) error {
	_, err := a.db.Exec("UPDATE chats SET peer_priv=? WHERE chatid=?", int(priv), int64(id))
	return err
}

// RoomSetTitle updates the user-assigned title override of a group room.
func (a *adapter) RoomSetTitle(id t.ChatID, title string) error {
	_, err := a.db.Exec("UPDATE chats SET title=? WHERE chatid=?", title, int64(id))
	return err
}

// RoomDelete removes a room row.
func (a *adapter) RoomDelete(id t.ChatID) error {
	_, err := a.db.Exec("DELETE FROM chats WHERE chatid=?", int64(id))
	return err
}

type memberRow struct {
	Chatid int64 `db:"chatid"`
	Userid int64 `db:"userid"`
	Priv   int   `db:"priv"`
}

// MemberGetAll loads the membership rows of one room.
func (a *adapter) MemberGetAll(chat t.ChatID) ([]t.Member, error) {
	var rows []memberRow
	err := a.db.Select(&rows,
		"SELECT chatid, userid, priv FROM chat_peers WHERE chatid=?", int64(chat))
	if err != nil {
		return nil, err
	}

	members := make([]t.Member, len(rows))
	for i, r := range rows {
		members[i] = t.Member{Chat: t.ChatID(r.Chatid), User: t.Uid(r.Userid), Priv: t.Priv(r.Priv)}
	}
	return members, nil
}

// MemberUpsert inserts or replaces a membership row.
func (a *adapter) MemberUpsert(m *t.Member) error {
	_, err := a.db.Exec("INSERT OR REPLACE INTO chat_peers(chatid, userid, priv) VALUES(?,?,?)",
		int64(m.Chat), int64(m.User), int(m.Priv))
	return err
}

// MemberSetPriv updates the privilege of one membership row by key.
func (a *adapter) MemberSetPriv(chat t.ChatID, user t.Uid, priv t.Priv) error {
	_, err := a.db.Exec("UPDATE chat_peers SET priv=? WHERE chatid=? AND userid=?",
		int(priv), int64(chat), int64(user))
	return err
}

// MemberDelete removes one membership row.
func (a *adapter) MemberDelete(chat t.ChatID, user t.Uid) error {
	_, err := a.db.Exec("DELETE FROM chat_peers WHERE chatid=? AND userid=?",
		int64(chat), int64(user))
	return err
}

// MemberDeleteAll removes all membership rows of a room.
func (a *adapter) MemberDeleteAll(chat t.ChatID) error {
	_, err := a.db.Exec("DELETE FROM chat_peers WHERE chatid=?", int64(chat))
	return err
}

type attrRow struct {
	Userid int64  `db:"userid"`
	Type   int    `db:"type"`
	Data   []byte `db:"data"`
}

// AttrGetAll loads mirror rows with types below the given limit.
func (a *adapter) AttrGetAll(below t.AttrType) ([]t.CachedAttr, error) {
	var rows []attrRow
	err := a.db.Select(&rows,
		"SELECT userid, type, data FROM userattrs WHERE type < ?", int(below))
	if err != nil {
		return nil, err
	}

	attrs := make([]t.CachedAttr, len(rows))
	for i, r := range rows {
		attrs[i] = t.CachedAttr{User: t.Uid(r.Userid), Type: t.AttrType(r.Type), Data: r.Data}
	}
	return attrs, nil
}

// AttrPut write-throughs one mirror row.
func (a *adapter) AttrPut(attr *t.CachedAttr) error {
	_, err := a.db.Exec("INSERT OR REPLACE INTO userattrs(userid, type, data) VALUES(?,?,?)",
		int64(attr.User), int(attr.Type), attr.Data)
	return err
}

// AttrDelete invalidates one mirror row.
func (a *adapter) AttrDelete(user t.Uid, attr t.AttrType) error {
	_, err := a.db.Exec("DELETE FROM userattrs WHERE userid=? AND type=?",
		int64(user), int(attr))
	return err
}
