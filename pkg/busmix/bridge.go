package busmix

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// relay is the handoff between the backend's event loop and the daemon's
// scheduler. Pushes never block, so the latency-sensitive callback path on
// the backend side is never stalled by a slow consumer, and arrival order
// is preserved exactly: one producer context, one consumer, one FIFO.
type relay struct {
	lock   sync.Mutex
	queue  []GraphUpdate
	wake   chan struct{}
	closed bool
}

func newRelay() *relay {
	return &relay{wake: make(chan struct{}, 1)}
}

func (r *relay) push(update GraphUpdate) {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}
	r.queue = append(r.queue, update)
	r.lock.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain blocks until at least one update is queued and returns the whole
// pending batch in push order. ok is false once the relay is closed and
// fully consumed.
func (r *relay) drain(ctx context.Context) ([]GraphUpdate, bool) {
	for {
		r.lock.Lock()
		if len(r.queue) > 0 {
			batch := r.queue
			r.queue = nil
			r.lock.Unlock()
			return batch, true
		}
		closed := r.closed
		r.lock.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (r *relay) close() {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Bridge connects the backend's foreign event loop to the shared cache. The
// backend pushes typed updates through the relay; a single consumer applies
// them one at a time, so cache mutations happen in observation order.
type Bridge struct {
	logger     *zap.SugaredLogger
	cache      *Cache
	backend    GraphBackend
	reconciler *Reconciler

	relay    *relay
	stopping bool
}

func NewBridge(logger *zap.SugaredLogger, cache *Cache, backend GraphBackend, reconciler *Reconciler) *Bridge {
	b := &Bridge{
		logger:     logger.Named("bridge"),
		cache:      cache,
		backend:    backend,
		reconciler: reconciler,
		relay:      newRelay(),
	}

	b.logger.Debug("Created graph event bridge instance")

	return b
}

// Start begins the backend event loop; updates start flowing into the relay
func (b *Bridge) Start() error {
	return b.backend.Start(b.relay.push)
}

// Run is the consumer loop. It only returns on shutdown (nil) or when the
// relay breaks underneath a live daemon, which is unrecoverable.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		batch, ok := b.relay.drain(ctx)
		if !ok {
			if ctx.Err() != nil || b.stopping {
				return nil
			}
			return ErrRelayClosed
		}

		for _, update := range batch {
			b.apply(update)
		}
	}
}

func (b *Bridge) Stop() {
	b.stopping = true
	b.relay.close()

	if err := b.backend.Release(); err != nil {
		b.logger.Warnw("Failed to release backend", "error", err)
	}
}

func (b *Bridge) apply(update GraphUpdate) {
	switch update := update.(type) {
	case BusObserved:
		b.cache.UpsertBus(update.Bus.Name, update.Bus)
		b.logger.Debugw("Bus observed", "bus", update.Bus.Name, "id", update.Bus.ID)

	case StreamAttached:
		b.cache.AttachStream(update.AppKey, update.BinaryName, update.StreamID, update.BusName)
		b.logger.Debugw("Stream attached",
			"app", update.AppKey, "streamID", update.StreamID, "bus", update.BusName)

	case StreamDetached:
		app, ok := b.cache.DetachStream(update.StreamID)
		if ok {
			b.logger.Debugw("Stream detached", "app", app, "streamID", update.StreamID)
		} else {
			b.logger.Warnw("Stream to detach not found in cache", "streamID", update.StreamID)
		}

	case RoutingRuleCheck:
		busName, ok := b.cache.RoutingRule(update.AppKey)
		if !ok {
			return
		}

		b.logger.Infow("Applying standing routing rule to new stream",
			"app", update.AppKey, "bus", busName, "streamID", update.StreamID)

		// same reconciliation path as a user request; runs off the consumer
		// so a settle window never delays subsequent updates
		go func() {
			if err := b.reconciler.Route(update.AppKey, busName); err != nil {
				b.logger.Warnw("Failed to apply routing rule",
					"app", update.AppKey, "bus", busName, "error", err)
			}
		}()
	}
}
