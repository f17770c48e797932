package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ddm-net/ddm/internal/ddmerrors"
)

// RemoteSource is a PolicySource backed by another site's policy-update
// endpoint (spec §6: "GET /updates?since={seq} on the site's policy
// server"). A site configured with `policy_sources: namespace -> URL`
// uses one RemoteSource per entry, fetched fresh on every RulesFor call
// since a namespace's rule count is small and the wire format here is a
// full-refresh snapshot rather than an incremental log (see
// internal/site's handlePolicyUpdates).
type RemoteSource struct {
	namespace  string
	url        string
	httpClient *http.Client
}

// NewRemoteSource builds a RemoteSource fetching namespace's rules from
// baseURL + "/updates".
func NewRemoteSource(namespace, baseURL string, httpClient *http.Client) *RemoteSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteSource{namespace: namespace, url: baseURL, httpClient: httpClient}
}

type remoteRulesResponse struct {
	Namespace  string    `json:"namespace"`
	Rules      []Rule    `json:"rules"`
	ValidUntil time.Time `json:"valid_until"`
}

// RulesFor implements PolicySource. The namespace argument is still
// checked against the source's own namespace, since a RemoteSource is
// bound to exactly one.
func (s *RemoteSource) RulesFor(namespace string) ([]Rule, error) {
	if namespace != s.namespace {
		return nil, ddmerrors.New(ddmerrors.UnknownNamespace, "remote policy source does not serve this namespace").
			WithDetails("namespace", namespace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reqURL := s.url + "/updates?namespace=" + url.QueryEscape(namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, ddmerrors.Wrap(ddmerrors.Transport, "build policy update request", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, ddmerrors.Wrap(ddmerrors.Transport, "fetch policy updates", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ddmerrors.New(ddmerrors.Transport, fmt.Sprintf("policy source returned HTTP %d", resp.StatusCode)).
			WithDetails("namespace", namespace)
	}

	var body remoteRulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, ddmerrors.Wrap(ddmerrors.Transport, "decode policy updates", err)
	}
	for _, r := range body.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return body.Rules, nil
}
