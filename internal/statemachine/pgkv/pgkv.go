// Package pgkv is a Postgres-backed reference state machine, for
// deployments that want the applied key-value state to survive a replica
// crash independent of the log's own crash model — the replicated log
// gives you consensus on what happened, this gives you a queryable record
// of it that outlives any single replica process.
package pgkv

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ruvnet/paxosrep/internal/statemachine"
)

const schema = `
CREATE TABLE IF NOT EXISTS paxosrep_kv (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS paxosrep_kv_meta (
	id                     INT PRIMARY KEY DEFAULT 1,
	last_applied_instance  BIGINT NOT NULL DEFAULT -1,
	CHECK (id = 1)
);
INSERT INTO paxosrep_kv_meta (id, last_applied_instance) VALUES (1, -1)
ON CONFLICT (id) DO NOTHING;
`

// Store is a StateMachine backed by one Postgres database, reached via
// database/sql and lib/pq the same way the teacher corpus's storage layer
// does.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the store's tables exist.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgkv: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgkv: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgkv: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Apply executes cmd inside a transaction that also advances
// last_applied_instance, so a crash mid-apply can never leave the meta
// row and the data row disagreeing about what's been applied.
func (s *Store) Apply(throughInstance int64, cmd statemachine.Command) ([]byte, error) {
	op, key, value, err := statemachine.DecodeCommand(cmd.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("pgkv: begin: %w", err)
	}
	defer tx.Rollback()

	var lastApplied int64
	if err := tx.QueryRow(`SELECT last_applied_instance FROM paxosrep_kv_meta WHERE id = 1 FOR UPDATE`).Scan(&lastApplied); err != nil {
		return nil, fmt.Errorf("pgkv: read meta: %w", err)
	}
	if throughInstance <= lastApplied {
		// Already applied (replay after a restart mid-commit); return
		// whatever is currently stored rather than re-applying.
		if op == statemachine.OpGet {
			var v []byte
			if err := tx.QueryRow(`SELECT value FROM paxosrep_kv WHERE key = $1`, string(key)).Scan(&v); err != nil {
				if err == sql.ErrNoRows {
					return nil, tx.Commit()
				}
				return nil, err
			}
			return v, tx.Commit()
		}
		return nil, tx.Commit()
	}

	var result []byte
	switch op {
	case statemachine.OpSet:
		_, err = tx.Exec(`INSERT INTO paxosrep_kv (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, string(key), value)
	case statemachine.OpGet:
		err = tx.QueryRow(`SELECT value FROM paxosrep_kv WHERE key = $1`, string(key)).Scan(&result)
		if err == sql.ErrNoRows {
			err = nil
		}
	case statemachine.OpDelete:
		_, err = tx.Exec(`DELETE FROM paxosrep_kv WHERE key = $1`, string(key))
	default:
		err = statemachine.ErrUnknownOp
	}
	if err != nil {
		return nil, fmt.Errorf("pgkv: apply: %w", err)
	}

	if _, err := tx.Exec(`UPDATE paxosrep_kv_meta SET last_applied_instance = $1 WHERE id = 1`, throughInstance); err != nil {
		return nil, fmt.Errorf("pgkv: advance meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgkv: commit: %w", err)
	}
	return result, nil
}

// Snapshot dumps the entire table as a sequence of (keylen, key, vallen,
// value) records, plus the last-applied instance as an 8-byte header.
func (s *Store) Snapshot() ([]byte, error) {
	var lastApplied int64
	if err := s.db.QueryRow(`SELECT last_applied_instance FROM paxosrep_kv_meta WHERE id = 1`).Scan(&lastApplied); err != nil {
		return nil, fmt.Errorf("pgkv: snapshot meta: %w", err)
	}

	rows, err := s.db.Query(`SELECT key, value FROM paxosrep_kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("pgkv: snapshot query: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(lastApplied))
	buf.Write(hdr[:])

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("pgkv: snapshot scan: %w", err)
		}
		var lens [8]byte
		binary.BigEndian.PutUint32(lens[0:4], uint32(len(key)))
		binary.BigEndian.PutUint32(lens[4:8], uint32(len(value)))
		buf.Write(lens[:])
		buf.WriteString(key)
		buf.Write(value)
	}
	return buf.Bytes(), rows.Err()
}

// Restore truncates the table and bulk-loads it from a blob previously
// produced by Snapshot, inside one transaction so a reader never observes
// a half-restored table.
func (s *Store) Restore(state []byte) error {
	if len(state) < 8 {
		return fmt.Errorf("pgkv: restore: blob too short")
	}
	lastApplied := int64(binary.BigEndian.Uint64(state[:8]))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("pgkv: restore begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`TRUNCATE paxosrep_kv`); err != nil {
		return fmt.Errorf("pgkv: restore truncate: %w", err)
	}

	off := 8
	for off < len(state) {
		if off+8 > len(state) {
			return fmt.Errorf("pgkv: restore: truncated record header")
		}
		klen := int(binary.BigEndian.Uint32(state[off : off+4]))
		vlen := int(binary.BigEndian.Uint32(state[off+4 : off+8]))
		off += 8
		if off+klen+vlen > len(state) {
			return fmt.Errorf("pgkv: restore: truncated record body")
		}
		key := string(state[off : off+klen])
		off += klen
		value := append([]byte(nil), state[off:off+vlen]...)
		off += vlen
		if _, err := tx.Exec(`INSERT INTO paxosrep_kv (key, value) VALUES ($1, $2)`, key, value); err != nil {
			return fmt.Errorf("pgkv: restore insert: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE paxosrep_kv_meta SET last_applied_instance = $1 WHERE id = 1`, lastApplied); err != nil {
		return fmt.Errorf("pgkv: restore meta: %w", err)
	}
	return tx.Commit()
}
