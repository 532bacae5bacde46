// Package security implements the Security Event Collector: a
// single-writer, batched pipeline that records every WAF/POST-handler
// filter decision, following
// original_source/backend/services/security_collector.py. Events land in
// bounded per-site and global ring buffers synchronously, then drain to
// sqlite on a background ticker, mirroring the ticker+stop-channel idiom
// used for the CSP Learner and rate-limiter cleanup loop.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/models"
)

const (
	defaultRingSize  = 1000
	flushInterval    = 2 * time.Second
	flushBatchSize   = 200
	cleanupInterval  = time.Hour
	defaultRetention = 30 * 24 * time.Hour
)

// EventStore is the persistence boundary the Collector writes batches
// through and runs aggregation queries against, implemented by
// internal/store.Store.
type EventStore interface {
	InsertSecurityEvents(ctx context.Context, events []*models.SecurityEvent) error
	DeleteSecurityEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Collector is the process-wide event sink. One Collector serves every
// deployed site; per-site ring sizing comes from each Site's
// EventRingSize.
type Collector struct {
	store     EventStore
	retention time.Duration

	mu         sync.Mutex
	siteRings  map[string]*ring
	globalRing *ring

	queueMu sync.Mutex
	queue   []*models.SecurityEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Collector. retention is the cleanup-loop's age cutoff; zero
// uses the spec default of 30 days.
func New(store EventStore, retention time.Duration) *Collector {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Collector{
		store:      store,
		retention:  retention,
		siteRings:  map[string]*ring{},
		globalRing: newRing(defaultRingSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (c *Collector) ringFor(site *models.Site) *ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.siteRings[site.ID]
	if !ok {
		size := site.EventRingSize
		if size <= 0 {
			size = defaultRingSize
		}
		r = newRing(size)
		c.siteRings[site.ID] = r
	}
	return r
}

// Emit records evt: synchronous, non-blocking, never fails. It appends to
// the site's ring and the global ring, then enqueues for the next flush.
func (c *Collector) Emit(site *models.Site, evt *models.SecurityEvent) {
	c.ringFor(site).push(evt)
	c.globalRing.push(evt)

	c.queueMu.Lock()
	c.queue = append(c.queue, evt)
	c.queueMu.Unlock()
}

// recorderFor adapts a Collector to the posthandler.EventRecorder /
// waf-decision-recording shape for one site.
type recorderFor struct {
	c    *Collector
	site *models.Site
}

// Record implements posthandler.EventRecorder.
func (r recorderFor) Record(evt *models.SecurityEvent) { r.c.Emit(r.site, evt) }

// RecorderFor returns an EventRecorder bound to site, for wiring into the
// WAF filter and POST handler.
func (c *Collector) RecorderFor(site *models.Site) recorderFor { return recorderFor{c: c, site: site} }

// Start launches the background flush and cleanup loops.
func (c *Collector) Start(ctx context.Context) {
	go c.flushLoop(ctx)
	go c.cleanupLoop(ctx)
}

// Stop signals the background loops to exit after one final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush(ctx)
		case <-c.stopCh:
			c.flush(ctx)
			return
		case <-ctx.Done():
			c.flush(ctx)
			return
		}
	}
}

func (c *Collector) flush(ctx context.Context) {
	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.queueMu.Unlock()
		return
	}
	n := flushBatchSize
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := c.queue[:n]
	c.queue = c.queue[n:]
	c.queueMu.Unlock()

	if err := c.store.InsertSecurityEvents(ctx, batch); err != nil {
		log.Error().Err(err).Int("batch", len(batch)).Msg("security: flush failed")
	}
}

func (c *Collector) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention)
	n, err := c.store.DeleteSecurityEventsOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("security: cleanup failed")
		return
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Msg("security: cleanup removed stale events")
	}
}

// GetRecent returns a site's most recent events straight from its ring
// buffer, no database I/O.
func (c *Collector) GetRecent(site *models.Site, limit int) []*models.SecurityEvent {
	return c.ringFor(site).recent(limit)
}
