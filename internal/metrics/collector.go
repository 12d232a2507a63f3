package metrics

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/templates"
)

// DefaultSchedule is how often the collector snapshots state.
const DefaultSchedule = "@every 15s"

// BreakerSource lists breaker stats.
type BreakerSource interface {
	Snapshot() []circuitbreaker.Stats
}

// TemplateSource reports template cache stats.
type TemplateSource interface {
	Stats() templates.Stats
}

// Collector periodically copies breaker and template cache state into gauges.
type Collector struct {
	cron      *cron.Cron
	breakers  BreakerSource
	templates TemplateSource
	logger    *zap.Logger
}

// NewCollector schedules collection on schedule (cron syntax or @every).
func NewCollector(schedule string, breakers BreakerSource, tmpl TemplateSource, logger *zap.Logger) (*Collector, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := &Collector{
		cron:      cron.New(),
		breakers:  breakers,
		templates: tmpl,
		logger:    logger,
	}
	if _, err := c.cron.AddFunc(schedule, c.Collect); err != nil {
		return nil, fmt.Errorf("invalid collector schedule %q: %w", schedule, err)
	}
	return c, nil
}

// Start runs the schedule in the background after an immediate collection.
func (c *Collector) Start() {
	c.Collect()
	c.cron.Start()
	c.logger.Info("metrics collector started")
}

// Stop stops scheduling and returns a context done when the running job ends.
func (c *Collector) Stop() context.Context {
	return c.cron.Stop()
}

// Collect takes one snapshot.
func (c *Collector) Collect() {
	if c.breakers != nil {
		for _, s := range c.breakers.Snapshot() {
			SetBreaker(s.Name, stateValue(s.State), s.FailureCount)
		}
	}
	if c.templates != nil {
		st := c.templates.Stats()
		SetTemplateCache(st.Entries, st.Compilations)
	}
}

func stateValue(state string) int {
	switch state {
	case circuitbreaker.StateOpen.String():
		return 1
	case circuitbreaker.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}
