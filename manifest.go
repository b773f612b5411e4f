package swcache

import (
	"encoding/json"
	"net/url"
	"os"
	"strings"
)

// ManifestEntry is one asset URL from the build manifest.
// The manifest is emitted at build time and consumed once per install.
type ManifestEntry struct {
	URL string `json:"url"`
}

// UnmarshalJSON accepts both manifest forms emitted by build tooling:
// an object with a url field, or a bare URL string.
func (m *ManifestEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		m.URL = s
		return nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	m.URL = obj.URL
	return nil
}

// LoadManifest reads a build manifest from a JSON file.
func LoadManifest(filename string) ([]ManifestEntry, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// filterManifest drops entries matching the configured external-domain or
// system-file exclusion lists, drops absolute external URLs, and normalizes
// the survivors to site-relative form. Order is preserved and duplicates
// after normalization are dropped.
func filterManifest(entries []ManifestEntry, externalDomains, systemFiles []string) []string {
	urls := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if containsAny(e.URL, externalDomains) || containsAny(e.URL, systemFiles) {
			continue
		}
		u, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		if u.IsAbs() || u.Host != "" {
			continue
		}
		normalized := u.Path
		if !strings.HasPrefix(normalized, "/") {
			normalized = "/" + normalized
		}
		if u.RawQuery != "" {
			normalized += "?" + u.RawQuery
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		urls = append(urls, normalized)
	}
	return urls
}

// containsAny reports whether s contains any of the given markers.
func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
