package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// FetchDeployedVersion fetches the deployed version string from the
// well-known version document under the given origin, with caching disabled.
func FetchDeployedVersion(ctx context.Context, origin url.URL, path string) (string, error) {
	return newVersionClient(origin, path).fetch(ctx)
}

// versionDocument is the well-known deployment descriptor.
// It is transient and never persisted.
type versionDocument struct {
	Version string `json:"version"`
}

// versionClient fetches the version document with caching disabled on every
// check.
type versionClient struct {
	url    string
	client http.Client
}

func newVersionClient(origin url.URL, path string) *versionClient {
	return &versionClient{url: origin.String() + path}
}

func (v *versionClient) fetch(ctx context.Context) (string, error) {
	// cache-busting query parameter on top of the no-cache headers, so no
	// intermediary serves a stale document
	reqURL := fmt.Sprintf("%s?t=%d", v.url, time.Now().UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	res, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version document returned %s", res.Status)
	}
	var doc versionDocument
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return "", err
	}
	if doc.Version == "" {
		return "", fmt.Errorf("version document is missing a version")
	}
	return doc.Version, nil
}
