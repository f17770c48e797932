// Package postgres is the durable ArchiveStore backend, used when
// ddm-registry is configured with DATABASE_URL. Spec §1 treats on-disk
// persistence as an external collaborator specified only where the core
// consumes it; this is that interface's Postgres implementation,
// parallel to the teacher's per-domain postgres stores.
package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ddm-net/ddm/internal/registry"
)

// Store is an ArchiveStore backed by a single append-only table.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and returns a Store, migrated by the caller via
// the migrations subpackage before first use.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to registry archive database: %w", err)
	}
	return &Store{db: db}, nil
}

type eventRow struct {
	Seq  int64  `db:"seq"`
	Op   string `db:"op"`
	Kind string `db:"kind"`
	Body []byte `db:"body"`
}

func (s *Store) Append(op string, obj registry.RegisteredObject) (registry.Event, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return registry.Event{}, err
	}

	var seq int64
	err = s.db.QueryRow(
		`INSERT INTO registry_archive (op, kind, body) VALUES ($1, $2, $3) RETURNING seq`,
		op, string(obj.ObjectKind()), body,
	).Scan(&seq)
	if err != nil {
		return registry.Event{}, fmt.Errorf("append registry event: %w", err)
	}

	return registry.Event{Seq: seq, Op: op, Kind: obj.ObjectKind(), Body: body}, nil
}

func (s *Store) Since(seq int64) ([]registry.Event, int64, error) {
	var rows []eventRow
	if err := s.db.Select(&rows, `SELECT seq, op, kind, body FROM registry_archive WHERE seq > $1 ORDER BY seq`, seq); err != nil {
		return nil, 0, fmt.Errorf("select registry events since %d: %w", seq, err)
	}

	var latest int64
	if err := s.db.Get(&latest, `SELECT COALESCE(MAX(seq), 0) FROM registry_archive`); err != nil {
		return nil, 0, fmt.Errorf("select latest registry seq: %w", err)
	}

	events := make([]registry.Event, len(rows))
	for i, r := range rows {
		events[i] = registry.Event{Seq: r.Seq, Op: r.Op, Kind: registry.ObjectKind(r.Kind), Body: r.Body}
	}
	return events, latest, nil
}

func (s *Store) All() ([]registry.RegisteredObject, int64, error) {
	events, latest, err := s.Since(0)
	if err != nil {
		return nil, 0, err
	}

	live := make(map[string]registry.RegisteredObject)
	for _, ev := range events {
		obj, err := ev.DecodeObject()
		if err != nil {
			return nil, 0, err
		}
		key := string(ev.Kind) + ":" + string(obj.ObjectID())
		switch ev.Op {
		case registry.OpInsert:
			live[key] = obj
		case registry.OpDelete:
			delete(live, key)
		}
	}

	out := make([]registry.RegisteredObject, 0, len(live))
	for _, obj := range live {
		out = append(out, obj)
	}
	return out, latest, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
