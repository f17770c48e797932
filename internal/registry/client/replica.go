// Package client implements the consumer side of the registry replication
// protocol: Replica (spec §4.4) and RegistryClient, the convenience facade
// used by the step runner and site REST surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/replicacache"
	"github.com/ddm-net/ddm/internal/resilience"
)

// Callback is notified with the objects created and deleted by one
// Update() call. On first attachment it is invoked with
// (all_current_objects, nil) to give initial state.
type Callback func(created, deleted []registry.RegisteredObject)

// Replica is a site's eventually-consistent local mirror of the registry's
// canonical set.
type Replica struct {
	endpoint   string
	httpClient *http.Client
	cache      *replicacache.Cache
	logger     *logging.Logger
	breaker    *resilience.PeerBreaker

	mu          sync.RWMutex
	objects     map[identifier.Identifier]registry.RegisteredObject
	lastSeq     int64
	leaseExpiry time.Time
	callbacks   []Callback
}

// NewReplica builds a Replica polling endpoint's /updates surface.
func NewReplica(endpoint string, httpClient *http.Client, cache *replicacache.Cache, logger *logging.Logger) *Replica {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Replica{
		endpoint:   endpoint,
		httpClient: httpClient,
		cache:      cache,
		logger:     logger,
		breaker:    resilience.NewPeerBreaker("registry:" + endpoint),
		objects:    make(map[identifier.Identifier]registry.RegisteredObject),
	}
}

// OnUpdate registers a callback, invoking it immediately with the current
// snapshot.
func (r *Replica) OnUpdate(cb Callback) {
	r.mu.Lock()
	current := r.snapshotLocked()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
	cb(current, nil)
}

func (r *Replica) snapshotLocked() []registry.RegisteredObject {
	out := make([]registry.RegisteredObject, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	return out
}

// Snapshot returns every object currently held by the replica.
func (r *Replica) Snapshot() []registry.RegisteredObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Lookup returns the object for id, if the replica currently holds it.
func (r *Replica) Lookup(id identifier.Identifier) (registry.RegisteredObject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// HasRunner implements workflow.SiteRunnerChecker against the replica's
// snapshot of site descriptions, letting Plan.Validate reject a plan
// assigning a step to a store-only site.
func (r *Replica) HasRunner(site identifier.Identifier) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[site]
	if !ok {
		return false, ddmerrors.New(ddmerrors.UnknownSite, "no such site").WithDetails("site", string(site))
	}
	sd, ok := obj.(registry.SiteDescription)
	if !ok {
		return false, ddmerrors.New(ddmerrors.UnknownSite, "identifier does not name a site").WithDetails("site", string(site))
	}
	return sd.HasRunner, nil
}

type updatesResponse struct {
	Events     []registry.Event `json:"events"`
	SinceSeq   int64            `json:"since_seq"`
	ValidUntil time.Time        `json:"valid_until"`
}

// Update refreshes the replica if its lease has expired. It is the only
// mutator; it swaps in a new object set atomically so in-flight readers
// keep observing the pre-swap snapshot.
func (r *Replica) Update(ctx context.Context) error {
	r.mu.RLock()
	stillLeased := time.Now().Before(r.leaseExpiry)
	r.mu.RUnlock()
	if stillLeased {
		return nil
	}

	resp, err := r.fetch(ctx)
	if err != nil {
		return ddmerrors.Wrap(ddmerrors.Transport, "fetch registry updates", err)
	}

	r.mu.Lock()
	created := make([]registry.RegisteredObject, 0)
	deleted := make([]registry.RegisteredObject, 0)
	for _, ev := range resp.Events {
		obj, derr := ev.DecodeObject()
		if derr != nil {
			r.mu.Unlock()
			return ddmerrors.Wrap(ddmerrors.Transport, "decode registry event", derr)
		}
		switch ev.Op {
		case registry.OpInsert:
			r.objects[obj.ObjectID()] = obj
			created = append(created, obj)
		case registry.OpDelete:
			delete(r.objects, obj.ObjectID())
			deleted = append(deleted, obj)
		}
	}
	r.lastSeq = resp.SinceSeq
	r.leaseExpiry = resp.ValidUntil
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.Set(ctx, r.endpoint, replicacache.Snapshot{
			Objects:     resp.Events,
			LastSeq:     resp.SinceSeq,
			LeaseExpiry: resp.ValidUntil,
		})
	}

	if len(created) > 0 || len(deleted) > 0 {
		for _, cb := range callbacks {
			cb(created, deleted)
		}
	}
	return nil
}

func (r *Replica) fetch(ctx context.Context) (updatesResponse, error) {
	r.mu.RLock()
	since := r.lastSeq
	r.mu.RUnlock()

	if r.cache != nil {
		if snap, ok := r.cache.Get(ctx, r.endpoint); ok && time.Now().Before(snap.LeaseExpiry) {
			return updatesResponse{Events: snap.Objects, SinceSeq: snap.LastSeq, ValidUntil: snap.LeaseExpiry}, nil
		}
	}

	u, err := url.Parse(r.endpoint)
	if err != nil {
		return updatesResponse{}, err
	}
	u.Path = joinPath(u.Path, "updates")
	q := u.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	u.RawQuery = q.Encode()

	var out updatesResponse
	cfg := resilience.DefaultRetryConfig()
	err = resilience.Retry(ctx, cfg, func() error {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			resp, err := r.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("registry updates: unexpected status %d", resp.StatusCode)
			}
			return nil, json.NewDecoder(resp.Body).Decode(&out)
		})
		return err
	})
	return out, err
}

func joinPath(base, suffix string) string {
	if base == "" {
		return "/" + suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix
	}
	return base + "/" + suffix
}
