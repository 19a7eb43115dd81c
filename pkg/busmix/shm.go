package busmix

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// consecutive encode/flush failures tolerated before recreating the mapping
const publishFailureThreshold = 3

// publisherParams are the timing knobs, resolved from config once at start
type publisherParams struct {
	fastInterval        time.Duration
	slowInterval        time.Duration
	idleTicksBeforeSlow int
	forceRepublishTicks int
	staleThreshold      time.Duration
}

func publisherParamsFromConfig(conf *Config) publisherParams {
	p := conf.PublisherParams

	return publisherParams{
		fastInterval:        time.Duration(p.FastIntervalMs) * time.Millisecond,
		slowInterval:        time.Duration(p.SlowIntervalMs) * time.Millisecond,
		idleTicksBeforeSlow: int(p.IdleTicksBeforeSlow),
		forceRepublishTicks: int(p.ForceRepublishTicks),
		staleThreshold:      time.Duration(p.StaleThresholdSeconds) * time.Second,
	}
}

// SnapshotPublisher mirrors the cache into a fixed-size shared memory region
// that external consumers read without any locking protocol. Encodes are
// gated on the generation counter, the tick adapts between a fast and a slow
// interval, and a region that has not been written for too long is assumed
// unusable and recreated from scratch.
type SnapshotPublisher struct {
	logger *zap.SugaredLogger
	cache  *Cache
	params publisherParams

	path string
	file *os.File
	mmap mmap.MMap

	// encode target; copied to the mapping in one sequential pass
	scratch []byte

	lastGeneration uint64
	lastPublish    time.Time
	idleTicks      int
	slowTicks      int
	failures       int

	now func() time.Time
}

func NewSnapshotPublisher(logger *zap.SugaredLogger, cache *Cache, configMan *ConfigManager) (*SnapshotPublisher, error) {
	path := fmt.Sprintf("/dev/shm/busmix-%d", os.Getuid())

	return newSnapshotPublisher(logger, cache, publisherParamsFromConfig(&configMan.current), path)
}

func newSnapshotPublisher(logger *zap.SugaredLogger, cache *Cache, params publisherParams, path string) (*SnapshotPublisher, error) {
	p := &SnapshotPublisher{
		logger:  logger.Named("publisher"),
		cache:   cache,
		params:  params,
		path:    path,
		scratch: make([]byte, shmRegionSize),
		now:     time.Now,
	}

	if err := p.openMapping(); err != nil {
		return nil, err
	}

	p.lastPublish = p.now()

	p.logger.Debugw("Created snapshot publisher instance", "path", path)

	return p, nil
}

func (p *SnapshotPublisher) openMapping() error {
	file, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open shared memory file: %w", err)
	}

	if err := file.Truncate(shmRegionSize); err != nil {
		_ = file.Close()
		return fmt.Errorf("size shared memory file: %w", err)
	}

	mapped, err := mmap.MapRegion(file, shmRegionSize, mmap.RDWR, 0, 0)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("map shared memory file: %w", err)
	}

	p.file = file
	p.mmap = mapped

	return nil
}

// Run drives the publish loop until the context is canceled
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	interval := p.params.fastInterval

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		interval = p.tick(interval)
	}
}

// tick performs one poll and returns the interval until the next one
func (p *SnapshotPublisher) tick(interval time.Duration) time.Duration {
	now := p.now()

	if now.Sub(p.lastPublish) > p.params.staleThreshold {
		p.selfHeal()
		now = p.now()
	}

	generation := p.cache.Generation()

	if generation == p.lastGeneration {
		p.idleTicks++

		if interval == p.params.fastInterval {
			if p.idleTicks < p.params.idleTicksBeforeSlow {
				return interval
			}
			// quiet for a while; back off
			p.slowTicks = 0
			return p.params.slowInterval
		}

		p.slowTicks++
		if p.slowTicks < p.params.forceRepublishTicks {
			return interval
		}

		// republish even though nothing changed, so consumers watching
		// freshness don't conclude the daemon is dead
		p.slowTicks = 0
		p.publish(now)
		return interval
	}

	p.idleTicks = 0
	p.publish(now)

	if p.failures > 0 {
		// back off while writes keep failing
		backoff := p.params.fastInterval << p.failures
		if backoff > p.params.slowInterval {
			backoff = p.params.slowInterval
		}
		return backoff
	}

	return p.params.fastInterval
}

func (p *SnapshotPublisher) publish(now time.Time) {
	snapshot := p.cache.Snapshot()

	n, err := encodeSnapshot(p.scratch, snapshot, now)
	if err != nil {
		p.publishFailed("encode snapshot", err)
		return
	}

	copy(p.mmap, p.scratch[:n])

	if err := p.mmap.Flush(); err != nil {
		p.publishFailed("flush shared memory", err)
		return
	}

	p.lastGeneration = snapshot.Generation
	p.lastPublish = now
	p.failures = 0

	p.logger.Debugw("Published snapshot",
		"generation", snapshot.Generation,
		"buses", len(snapshot.Buses),
		"apps", len(snapshot.Apps),
		"bytes", n)
}

func (p *SnapshotPublisher) publishFailed(op string, err error) {
	p.failures++
	p.logger.Warnw("Failed to publish snapshot",
		"op", op, "error", err, "consecutiveFailures", p.failures)

	if p.failures >= publishFailureThreshold {
		p.selfHeal()
		p.failures = 0
	}
}

// selfHeal tears the mapping down and rebuilds it from scratch, then forces
// an immediate full rewrite. Reached when publishes kept failing or when the
// region went stale, both of which point at the mapping itself being bad.
func (p *SnapshotPublisher) selfHeal() {
	p.logger.Warnw("Recreating shared memory mapping", "path", p.path)

	p.closeMapping()

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		p.logger.Warnw("Failed to unlink shared memory file", "error", err)
	}

	if err := p.openMapping(); err != nil {
		p.logger.Errorw("Failed to recreate shared memory mapping", "error", err)
		return
	}

	// force a full rewrite regardless of generation
	p.lastGeneration = 0
	p.lastPublish = p.now()
	p.publish(p.now())
}

func (p *SnapshotPublisher) closeMapping() {
	if p.mmap != nil {
		if err := p.mmap.Unmap(); err != nil {
			p.logger.Warnw("Failed to unmap shared memory", "error", err)
		}
		p.mmap = nil
	}

	if p.file != nil {
		if err := p.file.Close(); err != nil {
			p.logger.Warnw("Failed to close shared memory file", "error", err)
		}
		p.file = nil
	}
}

func (p *SnapshotPublisher) Close() {
	p.closeMapping()
	p.logger.Debug("Released snapshot publisher instance")
}
