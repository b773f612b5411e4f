package swcache

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one open client document attached to the worker.
type Client struct {
	ID string
	// Version of the controller in charge of this client.
	// Empty until the client has been claimed.
	ControllerVersion string
}

// ClientRegistry tracks the client documents currently open against the
// worker, so activation can take control of all of them at once.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]string
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]string)}
}

// Register adds a new client document and returns its handle.
func (r *ClientRegistry) Register() Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.clients[id] = ""
	return Client{ID: id}
}

// Unregister removes a closed client document.
func (r *ClientRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Claim puts every registered client under the control of the given version
// and returns the number of clients claimed.
func (r *ClientRegistry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.clients {
		r.clients[id] = version
	}
	return len(r.clients)
}

// Snapshot returns the current clients.
func (r *ClientRegistry) Snapshot() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]Client, 0, len(r.clients))
	for id, version := range r.clients {
		clients = append(clients, Client{ID: id, ControllerVersion: version})
	}
	return clients
}
