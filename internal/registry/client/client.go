package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/registry"
)

// RegistryClient wraps a Replica with the registration mutators and the
// convenience lookups registry.py/registry_client.py supply over the raw
// replica: list_sites_with_runners and get_public_key_for_ns.
type RegistryClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
	Replica    *Replica
}

func New(endpoint string, httpClient *http.Client, replica *Replica, logger *logging.Logger) *RegistryClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RegistryClient{endpoint: endpoint, httpClient: httpClient, logger: logger, Replica: replica}
}

func (c *RegistryClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ddmerrors.Wrap(ddmerrors.Transport, "registry request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ddmerrors.New(ddmerrors.NotFound, "registry resource not found").WithDetails("path", path)
	}
	if resp.StatusCode >= 300 {
		var errBody struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return ddmerrors.New(ddmerrors.Transport, fmt.Sprintf("registry returned %d: %s", resp.StatusCode, errBody.Message))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterParty registers a new party with the registry.
func (c *RegistryClient) RegisterParty(ctx context.Context, p registry.PartyDescription) error {
	return c.do(ctx, http.MethodPost, "/parties", p, nil)
}

// DeregisterParty removes a party from the registry.
func (c *RegistryClient) DeregisterParty(ctx context.Context, id identifier.Identifier) error {
	return c.do(ctx, http.MethodDelete, "/parties/"+string(id), nil, nil)
}

// RegisterSite registers a new site with the registry.
func (c *RegistryClient) RegisterSite(ctx context.Context, s registry.SiteDescription) error {
	return c.do(ctx, http.MethodPost, "/sites", s, nil)
}

// DeregisterSite removes a site from the registry.
func (c *RegistryClient) DeregisterSite(ctx context.Context, id identifier.Identifier) error {
	return c.do(ctx, http.MethodDelete, "/sites/"+string(id), nil, nil)
}

// GetPublicKeyForNamespace returns the public key of the party that owns
// namespace, by scanning the replica for a site whose Namespace matches
// and returning its owner's key — carried from ddm_client.py's
// get_public_key_for_ns even though spec.md only describes the replica's
// raw object set.
func (c *RegistryClient) GetPublicKeyForNamespace(ns string) ([]byte, error) {
	for _, obj := range c.Replica.Snapshot() {
		site, ok := obj.(registry.SiteDescription)
		if !ok || site.Namespace != ns {
			continue
		}
		owner, ok := c.Replica.Lookup(site.OwnerID)
		if !ok {
			continue
		}
		party, ok := owner.(registry.PartyDescription)
		if !ok {
			continue
		}
		return party.PublicKey, nil
	}
	return nil, ddmerrors.New(ddmerrors.UnknownNamespace, "no policy source registered for namespace").
		WithDetails("namespace", ns)
}

// ListSitesWithRunners returns every site in the replica with HasRunner
// set, carried from registry_client.py's list_sites_with_runners.
func (c *RegistryClient) ListSitesWithRunners() []registry.SiteDescription {
	var out []registry.SiteDescription
	for _, obj := range c.Replica.Snapshot() {
		if site, ok := obj.(registry.SiteDescription); ok && site.HasRunner {
			out = append(out, site)
		}
	}
	return out
}

// forceUpdate expires the replica's lease before calling Update, so the
// refresh polls the registry even while the previous lease is still live.
func (c *RegistryClient) forceUpdate(ctx context.Context) error {
	c.Replica.mu.Lock()
	c.Replica.leaseExpiry = time.Time{}
	c.Replica.mu.Unlock()
	return c.Replica.Update(ctx)
}

// GetSite looks up a site by id, retrying once after a forced Update()
// before surfacing UnknownSite — the §7 retry policy for replica misses.
func (c *RegistryClient) GetSite(ctx context.Context, id identifier.Identifier) (registry.SiteDescription, error) {
	if obj, ok := c.Replica.Lookup(id); ok {
		if site, ok := obj.(registry.SiteDescription); ok {
			return site, nil
		}
	}
	if err := c.forceUpdate(ctx); err != nil {
		return registry.SiteDescription{}, err
	}
	if obj, ok := c.Replica.Lookup(id); ok {
		if site, ok := obj.(registry.SiteDescription); ok {
			return site, nil
		}
	}
	return registry.SiteDescription{}, ddmerrors.New(ddmerrors.UnknownSite, "site not found in replica").
		WithDetails("id", string(id))
}

// GetParty looks up a party by id, with the same forced-refresh retry as
// GetSite.
func (c *RegistryClient) GetParty(ctx context.Context, id identifier.Identifier) (registry.PartyDescription, error) {
	if obj, ok := c.Replica.Lookup(id); ok {
		if p, ok := obj.(registry.PartyDescription); ok {
			return p, nil
		}
	}
	if err := c.forceUpdate(ctx); err != nil {
		return registry.PartyDescription{}, err
	}
	if obj, ok := c.Replica.Lookup(id); ok {
		if p, ok := obj.(registry.PartyDescription); ok {
			return p, nil
		}
	}
	return registry.PartyDescription{}, ddmerrors.New(ddmerrors.UnknownParty, "party not found in replica").
		WithDetails("id", string(id))
}
