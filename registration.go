package swcache

import "context"

// workerRegistration is the document role's handle on a Controller running
// in the same process.
type workerRegistration struct {
	controller *Controller
}

// NewRegistration wraps a Controller as a Registration.
func NewRegistration(c *Controller) Registration {
	return workerRegistration{controller: c}
}

func (r workerRegistration) Waiting() MessageSink {
	if r.controller.State() == StateWaiting {
		return r.controller
	}
	return nil
}

func (r workerRegistration) Unregister(ctx context.Context) error {
	return r.controller.Unregister(ctx)
}
