// Package sqlite3 implements storage.Database over SQLite, dendrite's
// standalone-deployment backend. Mirrors storage/postgres's schema and
// operation set exactly; only placeholder syntax, the autoincrement idiom
// and the upsert dialect differ, following the teacher's own postgres/
// sqlite3 pairing convention (see userapi/storage/{postgres,sqlite3}).
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS dendrite_core_pdus (
	ordinal INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	depth INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	state_key TEXT,
	sender TEXT NOT NULL,
	auth_status INTEGER NOT NULL,
	pdu_json TEXT NOT NULL,
	UNIQUE (room_id, event_id)
);
CREATE INDEX IF NOT EXISTS dendrite_core_pdus_ordinal_idx ON dendrite_core_pdus(room_id, ordinal);

CREATE TABLE IF NOT EXISTS dendrite_core_room_heads (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
);

CREATE TABLE IF NOT EXISTS dendrite_core_room_depth (
	room_id TEXT PRIMARY KEY,
	max_depth INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dendrite_core_accounts (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (localpart, server_name)
);

CREATE TABLE IF NOT EXISTS dendrite_core_devices (
	access_token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dendrite_core_devices_user_idx ON dendrite_core_devices(user_id);

CREATE TABLE IF NOT EXISTS dendrite_core_account_data (
	user_id TEXT NOT NULL,
	data_type TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (user_id, data_type)
);

CREATE TABLE IF NOT EXISTS dendrite_core_batches (
	token TEXT PRIMARY KEY,
	batch_json TEXT NOT NULL
);
`

// Database is the SQLite-backed storage.Database.
type Database struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists. path may be ":memory:" for ephemeral single-process use.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time, like dendrite's sqlite3 backend.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite3: migrate: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error { return d.db.Close() }

func (d *Database) AddPDUs(ctx context.Context, roomID string, pdus []roomevents.StoredPDU) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite3: begin: %w", err)
	}
	defer tx.Rollback()

	for _, sp := range pdus {
		raw, err := json.Marshal(sp.PDU)
		if err != nil {
			return err
		}
		var stateKey interface{}
		if sp.PDU.StateKey != nil {
			stateKey = *sp.PDU.StateKey
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dendrite_core_pdus (room_id, event_id, depth, event_type, state_key, sender, auth_status, pdu_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			roomID, sp.PDU.EventID(), sp.PDU.Depth, sp.PDU.Type, stateKey, sp.PDU.Sender, int(sp.AuthStatus), raw)
		if err != nil {
			return fmt.Errorf("sqlite3: insert pdu: %w", err)
		}
		if sp.AuthStatus == roomevents.AuthPass {
			for _, prev := range sp.PDU.PrevEvents {
				if _, err := tx.ExecContext(ctx, `DELETE FROM dendrite_core_room_heads WHERE room_id=? AND event_id=?`, roomID, prev); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dendrite_core_room_heads (room_id, event_id) VALUES (?,?)`, roomID, sp.PDU.EventID()); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dendrite_core_room_depth (room_id, max_depth) VALUES (?,?)
				ON CONFLICT (room_id) DO UPDATE SET max_depth = MAX(max_depth, excluded.max_depth)`,
				roomID, sp.PDU.Depth); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (d *Database) GetStoredPDU(ctx context.Context, roomID, eventID string) (*roomevents.StoredPDU, bool, error) {
	var raw []byte
	var status int
	err := d.db.QueryRowContext(ctx, `SELECT pdu_json, auth_status FROM dendrite_core_pdus WHERE room_id=? AND event_id=?`, roomID, eventID).Scan(&raw, &status)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var pdu roomevents.PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, false, err
	}
	return &roomevents.StoredPDU{PDU: pdu, AuthStatus: roomevents.AuthStatus(status)}, true, nil
}

func (d *Database) QueryPDUs(ctx context.Context, q storage.EventQuery, wait bool, timeout time.Duration) ([]roomevents.PDU, int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT pdu_json FROM dendrite_core_pdus WHERE room_id=? ORDER BY ordinal ASC`, q.RoomID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var all []roomevents.PDU
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, err
		}
		var pdu roomevents.PDU
		if err := json.Unmarshal(raw, &pdu); err != nil {
			return nil, 0, err
		}
		all = append(all, pdu)
	}
	tip := int64(len(all) - 1)

	var out []roomevents.PDU
	for i, pdu := range all {
		if q.Shape == storage.QueryTimeline {
			if q.From != nil && int64(i) < *q.From {
				continue
			}
			if q.To != nil && int64(i) > *q.To {
				continue
			}
		}
		if q.Matches(pdu) {
			out = append(out, pdu)
		}
	}
	// The long-poll wait is not implemented here, as in postgres.go: wait
	// and timeout are ignored and the current matches are returned at once.
	return out, tip, nil
}

func (d *Database) GetPrevEvents(ctx context.Context, roomID string) ([]string, int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT event_id FROM dendrite_core_room_heads WHERE room_id=? ORDER BY event_id`, roomID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var heads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		heads = append(heads, id)
	}
	var maxDepth int64
	_ = d.db.QueryRowContext(ctx, `SELECT max_depth FROM dendrite_core_room_depth WHERE room_id=?`, roomID).Scan(&maxDepth)
	return heads, maxDepth, nil
}

func (d *Database) GetRoomHeads(ctx context.Context, roomID string) (storage.RoomHeads, error) {
	ids, depth, err := d.GetPrevEvents(ctx, roomID)
	return storage.RoomHeads{EventIDs: ids, MaxDepth: depth}, err
}

func (d *Database) GetMembership(ctx context.Context, roomID, userID string) (string, bool, error) {
	events, err := d.GetFullState(ctx, roomID)
	if err != nil {
		return "", false, err
	}
	for _, ev := range events {
		if ev.Type == roomevents.TypeMember && ev.StateKey != nil && *ev.StateKey == userID {
			content, err := ev.EventContent()
			if err != nil || content.Member == nil {
				return "", false, nil
			}
			return content.Member.Membership, true, nil
		}
	}
	return "", false, nil
}

func (d *Database) GetMembershipsByUser(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT room_id FROM dendrite_core_pdus WHERE event_type=? AND state_key=?`, roomevents.TypeMember, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		if m, ok, err := d.GetMembership(ctx, roomID, userID); err == nil && ok {
			out[roomID] = m
		}
	}
	return out, nil
}

func (d *Database) GetRoomMemberCounts(ctx context.Context, roomID string) (storage.MemberCounts, error) {
	events, err := d.GetFullState(ctx, roomID)
	if err != nil {
		return storage.MemberCounts{}, err
	}
	var counts storage.MemberCounts
	for _, ev := range events {
		if ev.Type != roomevents.TypeMember {
			continue
		}
		content, err := ev.EventContent()
		if err != nil || content.Member == nil {
			continue
		}
		switch content.Member.Membership {
		case roomevents.MembershipJoin:
			counts.Joined++
		case roomevents.MembershipInvite:
			counts.Invited++
		}
	}
	return counts, nil
}

func (d *Database) GetFullState(ctx context.Context, roomID string) ([]roomevents.PDU, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT pdu_json FROM dendrite_core_pdus p
		WHERE room_id=? AND state_key IS NOT NULL AND auth_status=0
		AND ordinal = (
			SELECT MAX(p2.ordinal) FROM dendrite_core_pdus p2
			WHERE p2.room_id = p.room_id AND p2.event_type = p.event_type AND p2.state_key = p.state_key AND p2.auth_status = 0
		)`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roomevents.PDU
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var pdu roomevents.PDU
		if err := json.Unmarshal(raw, &pdu); err != nil {
			return nil, err
		}
		out = append(out, pdu)
	}
	return out, nil
}

func (d *Database) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*roomevents.PDU, bool, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT pdu_json FROM dendrite_core_pdus
		WHERE room_id=? AND event_type=? AND state_key=? AND auth_status=0
		ORDER BY ordinal DESC LIMIT 1`, roomID, eventType, stateKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var pdu roomevents.PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, false, err
	}
	return &pdu, true, nil
}

func (d *Database) CreateUser(ctx context.Context, localpart, serverName, passwordHash string) (storage.Account, error) {
	_, err := d.db.ExecContext(ctx, `INSERT INTO dendrite_core_accounts (localpart, server_name, password_hash) VALUES (?,?,?)`, localpart, serverName, passwordHash)
	if err != nil {
		return storage.Account{}, mxerrors.Wrap(mxerrors.UsernameTaken, err, "The desired user ID is already taken.")
	}
	return storage.Account{Localpart: localpart, ServerName: serverName, PasswordHash: passwordHash}, nil
}

func (d *Database) GetAccount(ctx context.Context, localpart, serverName string) (storage.Account, bool, error) {
	var acc storage.Account
	acc.Localpart, acc.ServerName = localpart, serverName
	err := d.db.QueryRowContext(ctx, `SELECT password_hash, avatar_url, display_name FROM dendrite_core_accounts WHERE localpart=? AND server_name=?`, localpart, serverName).
		Scan(&acc.PasswordHash, &acc.Profile.AvatarURL, &acc.Profile.DisplayName)
	if err == sql.ErrNoRows {
		return storage.Account{}, false, nil
	}
	if err != nil {
		return storage.Account{}, false, err
	}
	return acc, true, nil
}

func (d *Database) SetProfile(ctx context.Context, localpart, serverName string, profile storage.UserProfile) error {
	res, err := d.db.ExecContext(ctx, `UPDATE dendrite_core_accounts SET avatar_url=?, display_name=? WHERE localpart=? AND server_name=?`,
		profile.AvatarURL, profile.DisplayName, localpart, serverName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mxerrors.New(mxerrors.UserNotFound, "The user does not exist.")
	}
	return nil
}

func (d *Database) CreateDevice(ctx context.Context, userID, accessToken, displayName string) (storage.Device, error) {
	var count int
	_ = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dendrite_core_devices WHERE user_id=?`, userID).Scan(&count)
	deviceID := fmt.Sprintf("dev_%d", count+1)
	_, err := d.db.ExecContext(ctx, `INSERT INTO dendrite_core_devices (access_token, user_id, device_id, display_name) VALUES (?,?,?,?)`,
		accessToken, userID, deviceID, displayName)
	if err != nil {
		return storage.Device{}, err
	}
	return storage.Device{UserID: userID, ID: deviceID, AccessToken: accessToken, DisplayName: displayName}, nil
}

func (d *Database) GetDeviceByToken(ctx context.Context, accessToken string) (storage.Device, bool, error) {
	var dev storage.Device
	dev.AccessToken = accessToken
	err := d.db.QueryRowContext(ctx, `SELECT user_id, device_id, display_name FROM dendrite_core_devices WHERE access_token=?`, accessToken).
		Scan(&dev.UserID, &dev.ID, &dev.DisplayName)
	if err == sql.ErrNoRows {
		return storage.Device{}, false, nil
	}
	if err != nil {
		return storage.Device{}, false, err
	}
	return dev, true, nil
}

func (d *Database) DeleteDevice(ctx context.Context, accessToken string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM dendrite_core_devices WHERE access_token=?`, accessToken)
	return err
}

func (d *Database) DeleteAllDevices(ctx context.Context, userID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM dendrite_core_devices WHERE user_id=?`, userID)
	return err
}

func (d *Database) GetAccountData(ctx context.Context, userID, dataType string) (json.RawMessage, bool, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx, `SELECT content FROM dendrite_core_account_data WHERE user_id=? AND data_type=?`, userID, dataType).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (d *Database) SetAccountData(ctx context.Context, userID, dataType string, content json.RawMessage) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dendrite_core_account_data (user_id, data_type, content) VALUES (?,?,?)
		ON CONFLICT (user_id, data_type) DO UPDATE SET content=excluded.content`, userID, dataType, []byte(content))
	return err
}

// SetTyping/GetTypingUsers: as in postgres.go, SetTyping returns an
// Unimplemented error and GetTypingUsers always returns no users. Only
// storage/memory keeps typing state.
func (d *Database) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error {
	return mxerrors.New(mxerrors.Unimplemented, "typing is served by the in-memory ephemeral store")
}

func (d *Database) GetTypingUsers(ctx context.Context, roomID string) ([]string, error) {
	return nil, nil
}

func (d *Database) GetBatch(ctx context.Context, token string) (storage.Batch, bool, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx, `SELECT batch_json FROM dendrite_core_batches WHERE token=?`, token).Scan(&raw)
	if err == sql.ErrNoRows {
		return storage.Batch{}, false, nil
	}
	if err != nil {
		return storage.Batch{}, false, err
	}
	var b storage.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return storage.Batch{}, false, err
	}
	return b, true, nil
}

func (d *Database) SetBatch(ctx context.Context, token string, batch storage.Batch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO dendrite_core_batches (token, batch_json) VALUES (?,?)
		ON CONFLICT (token) DO UPDATE SET batch_json=excluded.batch_json`, token, raw)
	return err
}

var _ storage.Database = (*Database)(nil)
