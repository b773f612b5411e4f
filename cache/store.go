package cache

import "strings"

// Store is a key-value abstraction over named, persistent cache collections.
// Values are []byte and represent serialized HTTP responses.
// Exactly two namespaces are live per build version: one for static assets
// and one for API responses.
//
// Implementations must be thread-safe!
type Store interface {
	// Put stores the given bytes in the namespace under the given key.
	Put(ns Namespace, key string, bytes []byte) error
	// Get returns the stored bytes for the given key, if they exist.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ns Namespace, key string) ([]byte, bool, error)
	// Keys returns all keys stored in the namespace.
	Keys(ns Namespace) ([]string, error)
	// Namespaces returns the names of all namespaces that hold entries.
	Namespaces() ([]string, error)
	// DeleteNamespace removes the namespace and everything stored in it.
	DeleteNamespace(name string) error
}

// KV is a durable string-to-string store for the handful of flags that must
// survive restarts, most importantly the last version a reload was
// attempted for.
//
// Implementations must be thread-safe!
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Namespace identifies one named cache collection, scoped to a single build
// version and a single purpose (static assets or API responses).
type Namespace struct {
	Prefix  string
	Version string
	API     bool
}

// Name renders the deterministic collection name,
// `<prefix>-<version>` for static and `<prefix>-api-<version>` for API.
func (n Namespace) Name() string {
	if n.API {
		return n.Prefix + "-api-" + n.Version
	}
	return n.Prefix + "-" + n.Version
}

// ParseNamespace parses a collection name produced by Name back into a
// Namespace. It needs the prefix, since both prefix and version may contain
// dashes. The boolean is false if the name does not belong to the prefix.
func ParseNamespace(prefix, name string) (Namespace, bool) {
	if version, ok := strings.CutPrefix(name, prefix+"-api-"); ok && version != "" {
		return Namespace{Prefix: prefix, Version: version, API: true}, true
	}
	if version, ok := strings.CutPrefix(name, prefix+"-"); ok && version != "" {
		return Namespace{Prefix: prefix, Version: version}, true
	}
	return Namespace{}, false
}
