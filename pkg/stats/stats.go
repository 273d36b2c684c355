package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

// HomeWriter renders the home page from a statistics composite. The
// renderer is the real implementation.
type HomeWriter interface {
	WriteHomePage(ctx context.Context, stats *types.Statistics) error
}

// Sources supplies the in-process numbers the database cannot know.
type Sources struct {
	QueueSizes   func() map[string]int
	ActiveSlaves func() int
}

// Collector periodically assembles system-wide statistics: SQL
// aggregates from the store, queue sizes from the planner and the live
// builder count from the coordinator. The composite feeds the home page
// and the monitor status channel.
type Collector struct {
	pool     *db.Pool
	home     HomeWriter
	broker   *events.Broker
	sources  Sources
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	last    *types.Statistics
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a collector. home and broker may be nil.
func New(pool *db.Pool, home HomeWriter, broker *events.Broker, sources Sources, interval time.Duration) *Collector {
	return &Collector{
		pool:     pool,
		home:     home,
		broker:   broker,
		sources:  sources,
		interval: interval,
		logger:   log.WithComponent("stats"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Last returns the most recent composite, or nil before the first tick.
func (c *Collector) Last() *types.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start launches the collection loop with an immediate first tick.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.loop()
}

// Stop terminates the loop and waits for it to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(context.Background())
	for {
		select {
		case <-ticker.C:
			c.tick(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// tick assembles and publishes one composite.
func (c *Collector) tick(ctx context.Context) {
	stats, err := c.pool.GetStatistics(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("collect statistics")
		return
	}
	if c.sources.QueueSizes != nil {
		stats.QueueSizes = c.sources.QueueSizes()
	}
	if c.sources.ActiveSlaves != nil {
		stats.ActiveSlaves = c.sources.ActiveSlaves()
	}

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	if c.home != nil {
		if err := c.home.WriteHomePage(ctx, stats); err != nil {
			c.logger.Error().Err(err).Msg("render home page")
		}
	}
	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type:      events.EventStatsUpdated,
			Timestamp: time.Now().UTC(),
			Data:      stats,
		})
	}
	c.logger.Debug().
		Int64("builds", stats.BuildsCount).
		Int64("files", stats.FilesCount).
		Int("slaves", stats.ActiveSlaves).
		Msg("statistics published")
}
