package outbox

import (
	"context"
	"time"

	"github.com/UzyOrg/celesta/pkg/logger"
)

// Prober periodically checks ledger reachability and feeds the observations
// to the pipeline, raising the connectivity-restored signal on the
// offline -> online transition.
type Prober struct {
	pipeline *Pipeline
	checker  HealthChecker
	interval time.Duration
	log      *logger.Logger
}

// NewProber creates a connectivity prober.
func NewProber(pipeline *Pipeline, checker HealthChecker, interval time.Duration, log *logger.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Prober{
		pipeline: pipeline,
		checker:  checker,
		interval: interval,
		log:      log.With(logger.Component("prober")),
	}
}

// Run probes until the context is cancelled. Blocking; run in a goroutine.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, p.interval)
			healthy := p.checker.IsHealthy(probeCtx)
			cancel()

			p.pipeline.SetOnline(healthy)
		}
	}
}
