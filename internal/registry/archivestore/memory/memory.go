// Package memory provides an in-process ArchiveStore, the default backend
// for ddm-registry when DATABASE_URL is unset. Modelled on the teacher's
// map-plus-mutex storage pattern (pkg/storage/memory).
package memory

import (
	"encoding/json"
	"sync"

	"github.com/ddm-net/ddm/internal/registry"
)

// Store is an in-memory, append-only ArchiveStore.
type Store struct {
	mu     sync.RWMutex
	events []registry.Event
	seq    int64
}

// New returns an empty in-memory archive.
func New() *Store {
	return &Store{}
}

func (s *Store) Append(op string, obj registry.RegisteredObject) (registry.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(obj)
	if err != nil {
		return registry.Event{}, err
	}

	s.seq++
	ev := registry.Event{
		Seq:  s.seq,
		Op:   op,
		Kind: obj.ObjectKind(),
		Body: body,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *Store) Since(seq int64) ([]registry.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]registry.Event, 0)
	for _, ev := range s.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, s.seq, nil
}

func (s *Store) All() ([]registry.RegisteredObject, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make(map[string]registry.RegisteredObject)
	for _, ev := range s.events {
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
	return out, s.seq, nil
}

func (s *Store) Close() error { return nil }
