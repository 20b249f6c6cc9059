// Package store implements the SQLite-backed concrete persistence layer
// peers.Directory drives through the peers.Store interface — grounded on
// services/swapd/storage/storage.go's database/sql + glebarez/sqlite idiom.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"peernet/peers"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("store: path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS peers (
    ip TEXT NOT NULL,
    port INTEGER NOT NULL,
    state INTEGER NOT NULL DEFAULT 1,
    os TEXT NOT NULL DEFAULT 'unknown',
    version TEXT NOT NULL DEFAULT '0.0.0',
    clock INTEGER,
    PRIMARY KEY (ip, port)
);
CREATE INDEX IF NOT EXISTS idx_peers_state ON peers(state);

CREATE TABLE IF NOT EXISTS peer_dapps (
    ip TEXT NOT NULL,
    port INTEGER NOT NULL,
    dapp_id TEXT NOT NULL,
    PRIMARY KEY (ip, port, dapp_id),
    FOREIGN KEY (ip, port) REFERENCES peers(ip, port) ON DELETE CASCADE
);
`

// SQLStore is the concrete peers.Store implementation over a SQLite database.
type SQLStore struct {
	db *sql.DB
}

// Open initializes the backing store at dsn, applying the schema.
func Open(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert implements peers.Store.
func (s *SQLStore) Upsert(ctx context.Context, u peers.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM peers WHERE ip = ? AND port = ?`, u.IP, u.Port)
	if err := row.Scan(new(int)); err == nil {
		exists = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup peer: %w", err)
	}

	if !exists {
		state := peers.StateDisconnected
		if u.State != nil {
			state = *u.State
		}
		os := u.OS
		if os == "" {
			os = "unknown"
		}
		version := u.Version
		if version == "" {
			version = "0.0.0"
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO peers(ip, port, state, os, version) VALUES(?, ?, ?, ?, ?)
        `, u.IP, u.Port, int(state), os, version); err != nil {
			return fmt.Errorf("insert peer: %w", err)
		}
	} else {
		var sets []string
		var args []any
		if u.State != nil {
			sets = append(sets, "state = ?")
			args = append(args, int(*u.State))
		}
		if u.OS != "" {
			sets = append(sets, "os = ?")
			args = append(args, u.OS)
		}
		if u.Version != "" {
			sets = append(sets, "version = ?")
			args = append(args, u.Version)
		}
		if len(sets) > 0 {
			args = append(args, u.IP, u.Port)
			q := fmt.Sprintf(`UPDATE peers SET %s WHERE ip = ? AND port = ?`, strings.Join(sets, ", "))
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("update peer: %w", err)
			}
		}
	}

	if u.DappID != "" {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO peer_dapps(ip, port, dapp_id) VALUES(?, ?, ?)
            ON CONFLICT(ip, port, dapp_id) DO NOTHING
        `, u.IP, u.Port, u.DappID); err != nil {
			return fmt.Errorf("insert dapp association: %w", err)
		}
	}

	return tx.Commit()
}

// SetState implements peers.Store.
func (s *SQLStore) SetState(ctx context.Context, ip string, port uint16, state peers.State, clock *int64) error {
	var clockArg any
	if clock != nil {
		clockArg = *clock
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE peers SET state = ?, clock = ? WHERE ip = ? AND port = ?
    `, int(state), clockArg, ip, port)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return requireAffected(res)
}

// Remove implements peers.Store.
func (s *SQLStore) Remove(ctx context.Context, ip string, port uint16) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE ip = ? AND port = ?`, ip, port)
	if err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	return requireAffected(res)
}

// Get implements peers.Store.
func (s *SQLStore) Get(ctx context.Context, ip string, port uint16) (peers.Peer, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT ip, port, state, os, version, clock FROM peers WHERE ip = ? AND port = ?
    `, ip, port)
	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return peers.Peer{}, peers.ErrNotFound
		}
		return peers.Peer{}, fmt.Errorf("get peer: %w", err)
	}
	dapps, err := s.dappsFor(ctx, ip, port)
	if err != nil {
		return peers.Peer{}, err
	}
	p.Dapps = dapps
	return p, nil
}

// List implements peers.Store.
func (s *SQLStore) List(ctx context.Context, limit int, dappID string) ([]peers.Peer, error) {
	var rows *sql.Rows
	var err error
	if dappID != "" {
		rows, err = s.db.QueryContext(ctx, `
            SELECT p.ip, p.port, p.state, p.os, p.version, p.clock
            FROM peers p
            JOIN peer_dapps d ON d.ip = p.ip AND d.port = p.port
            WHERE p.state != ? AND d.dapp_id = ?
            ORDER BY RANDOM()
            LIMIT ?
        `, int(peers.StateBanned), dappID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
            SELECT ip, port, state, os, version, clock FROM peers
            WHERE state != ?
            ORDER BY RANDOM()
            LIMIT ?
        `, int(peers.StateBanned), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()
	return scanPeers(rows)
}

// AddDapp implements peers.Store.
func (s *SQLStore) AddDapp(ctx context.Context, ip string, port uint16, dappID string) error {
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM peers WHERE ip = ? AND port = ?`, ip, port).Scan(new(int))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return peers.ErrNotFound
		}
		return fmt.Errorf("lookup peer for dapp: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO peer_dapps(ip, port, dapp_id) VALUES(?, ?, ?)
        ON CONFLICT(ip, port, dapp_id) DO NOTHING
    `, ip, port, dappID); err != nil {
		return fmt.Errorf("add dapp: %w", err)
	}
	return nil
}

// Count implements peers.Store.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

// ExpireBans implements peers.Store.
func (s *SQLStore) ExpireBans(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE peers SET state = ?, clock = NULL
        WHERE state = ? AND clock IS NOT NULL AND clock <= ?
    `, int(peers.StateDisconnected), int(peers.StateBanned), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire bans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire bans rows affected: %w", err)
	}
	return int(n), nil
}

// GetByFilter implements peers.Store.
func (s *SQLStore) GetByFilter(ctx context.Context, f peers.Filter) ([]peers.Peer, error) {
	var where []string
	var args []any

	if f.IP != "" {
		where = append(where, "ip = ?")
		args = append(args, f.IP)
	}
	if f.Port != 0 {
		where = append(where, "port = ?")
		args = append(args, f.Port)
	}
	if f.State != nil {
		where = append(where, "state = ?")
		args = append(args, int(*f.State))
	}
	if f.OS != "" {
		where = append(where, "os = ?")
		args = append(args, f.OS)
	}
	if f.Version != "" {
		where = append(where, "version = ?")
		args = append(args, f.Version)
	}

	query := "SELECT ip, port, state, os, version, clock FROM peers"
	if f.DappID != "" {
		query = `SELECT p.ip, p.port, p.state, p.os, p.version, p.clock FROM peers p
                  JOIN peer_dapps d ON d.ip = p.ip AND d.port = p.port AND d.dapp_id = ?`
		args = append([]any{f.DappID}, args...)
	}
	if len(where) > 0 {
		prefix := " WHERE "
		if f.DappID != "" {
			prefix = " AND "
		}
		query += prefix + strings.Join(where, " AND ")
	}
	if f.OrderBy != "" {
		if _, ok := peers.SortableFields[f.OrderBy]; !ok {
			return nil, fmt.Errorf("store: unsupported orderBy field %q", f.OrderBy)
		}
		query += " ORDER BY " + f.OrderBy
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter peers: %w", err)
	}
	defer rows.Close()
	return scanPeers(rows)
}

func (s *SQLStore) dappsFor(ctx context.Context, ip string, port uint16) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dapp_id FROM peer_dapps WHERE ip = ? AND port = ?`, ip, port)
	if err != nil {
		return nil, fmt.Errorf("list dapps: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dapp: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (peers.Peer, error) {
	var p peers.Peer
	var state int
	var clock sql.NullInt64
	if err := row.Scan(&p.IP, &p.Port, &state, &p.OS, &p.Version, &clock); err != nil {
		return peers.Peer{}, err
	}
	p.State = peers.State(state)
	if clock.Valid {
		v := clock.Int64
		p.Clock = &v
	}
	return p, nil
}

func scanPeers(rows *sql.Rows) ([]peers.Peer, error) {
	var out []peers.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return peers.ErrNotFound
	}
	return nil
}
