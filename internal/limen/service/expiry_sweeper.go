package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/store"
)

// ExpirySweeper periodically marks Active tokens whose validity window has
// passed as Expired. The scan path expires tokens lazily on its own; the
// sweep only keeps stored statuses accurate for reporting.
//
// An interval of 0 disables the sweep.
type ExpirySweeper struct {
	tokens   store.TokenStore
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewExpirySweeper(tokens store.TokenStore, interval time.Duration, log logrus.FieldLogger) *ExpirySweeper {
	return &ExpirySweeper{
		tokens:   tokens,
		interval: interval,
		log:      log,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the interval until ctx
// is cancelled or Stop is called.
func (p *ExpirySweeper) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.log.Info("expiry sweeper disabled (interval=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.log.WithField("interval", p.interval.String()).Info("expiry sweeper started")
}

// Stop signals the sweeper to exit and waits for it to finish.
func (p *ExpirySweeper) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *ExpirySweeper) loop(ctx context.Context) {
	defer close(p.done)

	p.Sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass and returns how many tokens it expired.
func (p *ExpirySweeper) Sweep(ctx context.Context) int64 {
	cutoff := p.now().UTC()
	n, err := p.tokens.ExpireStale(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Error("expiry sweep failed")
		return 0
	}
	if n > 0 {
		metrics.TokensExpiredBySweepTotal.Add(float64(n))
		p.log.WithFields(logrus.Fields{
			"expired": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("expiry sweep")
	}
	return n
}
