package swcache

import "context"

// MessageSkipWaiting asks a waiting worker to advance its lifecycle without
// waiting for existing clients to close.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is the single control message shape exchanged between the document
// role and the worker role.
type Message struct {
	Type string `json:"type"`
}

// MessageSink receives control messages. The Controller's control channel is
// the only implementation in normal operation.
type MessageSink interface {
	Post(Message) error
}

// Registration is the document role's handle on an installed worker.
type Registration interface {
	// Waiting returns the sink for a unit in the waiting state, or nil if
	// there is none.
	Waiting() MessageSink
	// Unregister removes the worker; subsequent requests are no longer
	// intercepted.
	Unregister(ctx context.Context) error
}

// Reloader performs the hard reload that adopts a newly deployed version,
// bypassing any local cache.
type Reloader interface {
	Reload()
}

// ReloaderFunc adapts a plain function to the Reloader interface.
type ReloaderFunc func()

func (f ReloaderFunc) Reload() { f() }
