package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avelichka/trustshare-server/internal/model"
)

var _ model.IdentityResolver = (*HTTP)(nil)

// HTTP resolves DIDs to handles against a remote identity service. It does
// not retry; callers own failure handling.
type HTTP struct {
	client *http.Client
}

func NewHTTP(timeout time.Duration) *HTTP {
	return &HTTP{
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTP) Resolve(ctx context.Context, did string, host string) (string, error) {
	if did == "" {
		return "", fmt.Errorf("%w: did is required", model.ErrInvalidInput)
	}
	if host == "" {
		return "", fmt.Errorf("%w: host is required", model.ErrInvalidInput)
	}

	endpoint := strings.TrimSuffix(host, "/") + "/xrpc/com.atproto.identity.resolveDid"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.URL.RawQuery = url.Values{"did": {did}}.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: lookup for %s: %v", model.ErrResolution, did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: lookup for %s returned status %d", model.ErrResolution, did, resp.StatusCode)
	}

	var body struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: failed to decode response for %s: %v", model.ErrResolution, did, err)
	}
	if body.Handle == "" {
		return "", fmt.Errorf("%w: no handle declared for %s", model.ErrResolution, did)
	}

	return body.Handle, nil
}
