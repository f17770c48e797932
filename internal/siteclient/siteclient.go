// Package siteclient is the REST client one site uses to reach another:
// retrieving assets and submitting jobs, carried from the distillation's
// ddm_client.py facade (SPEC_FULL.md §5) but built on the registry
// replica for endpoint discovery instead of a static config file.
package siteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/client"
	"github.com/ddm-net/ddm/internal/resilience"
	"github.com/ddm-net/ddm/internal/workflow"
)

// EndpointResolver resolves a site identifier to its REST endpoint.
type EndpointResolver interface {
	GetSite(ctx context.Context, id identifier.Identifier) (registry.SiteDescription, error)
}

var _ EndpointResolver = (*client.RegistryClient)(nil)

// Client calls other sites' REST surfaces, one circuit breaker per peer
// so a single unreachable site can't stall every job touching it.
type Client struct {
	httpClient *http.Client
	resolver   EndpointResolver
	logger     *logging.Logger

	mu       sync.Mutex
	breakers map[identifier.Identifier]*resilience.PeerBreaker
}

// New builds a Client. httpClient should already carry the site's
// siteauth.RoundTripper so outbound calls are authenticated.
func New(httpClient *http.Client, resolver EndpointResolver, logger *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, resolver: resolver, logger: logger, breakers: make(map[identifier.Identifier]*resilience.PeerBreaker)}
}

func (c *Client) breakerFor(site identifier.Identifier) *resilience.PeerBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[site]; ok {
		return b
	}
	b := resilience.NewPeerBreaker(string(site))
	c.breakers[site] = b
	return b
}

func (c *Client) endpointFor(ctx context.Context, site identifier.Identifier) (string, error) {
	sd, err := c.resolver.GetSite(ctx, site)
	if err != nil {
		return "", err
	}
	if sd.Endpoint == "" {
		return "", ddmerrors.New(ddmerrors.UnknownSite, "site has no registered endpoint").WithDetails("site", string(site))
	}
	return sd.Endpoint, nil
}

// assetResponse mirrors the JSON body served by internal/site's
// GET /assets/{id} handler.
type assetResponse struct {
	ID          identifier.Identifier `json:"id"`
	Kind        asset.Kind            `json:"kind"`
	ContentType string                `json:"content_type,omitempty"`
	Payload     []byte                `json:"payload"`
	Metadata    asset.Metadata        `json:"metadata,omitempty"`
}

// RetrieveAsset fetches assetID from site, on behalf of requester. A
// single HTTP attempt runs inside the peer's circuit breaker; the
// runner's own scan/backoff loop is what retries a NotYetAvailable
// response, so this call does not retry that case itself.
func (c *Client) RetrieveAsset(ctx context.Context, site, assetID identifier.Identifier, requester identifier.Identifier) (asset.Asset, error) {
	endpoint, err := c.endpointFor(ctx, site)
	if err != nil {
		return asset.Asset{}, err
	}
	reqURL := fmt.Sprintf("%s/assets/%s?requester=%s", endpoint, url.PathEscape(string(assetID)), url.QueryEscape(string(requester)))

	var body assetResponse
	_, err = c.breakerFor(site).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, ddmerrors.Wrap(ddmerrors.Transport, "retrieve_asset request failed", err)
		}
		defer resp.Body.Close()
		return nil, decodeOrError(resp, &body)
	})
	if c.logger != nil {
		c.logger.LogPeerCall(ctx, string(site), "retrieve_asset", 0, err)
	}
	if err != nil {
		return asset.Asset{}, err
	}
	return asset.Asset{ID: body.ID, Kind: body.Kind, ContentType: body.ContentType, Payload: body.Payload, Metadata: body.Metadata}, nil
}

// submitJobRequest is the JSON body posted to a peer's POST /jobs.
type submitJobRequest struct {
	RunID     string                `json:"run_id"`
	Job       workflow.Job          `json:"job"`
	Plan      workflow.Plan         `json:"plan"`
	Requester identifier.Identifier `json:"requester"`
}

// SubmitJob asks site to execute its share of job under plan.
func (c *Client) SubmitJob(ctx context.Context, site identifier.Identifier, runID string, job workflow.Job, plan workflow.Plan, requester identifier.Identifier) error {
	endpoint, err := c.endpointFor(ctx, site)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(submitJobRequest{RunID: runID, Job: job, Plan: plan, Requester: requester})
	if err != nil {
		return err
	}

	_, err = c.breakerFor(site).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/jobs", bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, ddmerrors.Wrap(ddmerrors.Transport, "submit_job request failed", err)
		}
		defer resp.Body.Close()
		return nil, decodeOrError(resp, nil)
	})
	if c.logger != nil {
		c.logger.LogPeerCall(ctx, string(site), "submit_job", 0, err)
	}
	return err
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	var errBody struct {
		Code    ddmerrors.Code         `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	if errBody.Code == "" {
		errBody.Code = ddmerrors.Transport
		errBody.Message = fmt.Sprintf("peer returned HTTP %d", resp.StatusCode)
	}
	return &ddmerrors.Error{Code: errBody.Code, Message: errBody.Message, HTTPStatus: resp.StatusCode, Details: errBody.Details}
}
