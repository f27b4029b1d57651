package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"jobagent/internal/observability"
)

// DefaultLeaseInterval is how often the job lease is renewed.
const DefaultLeaseInterval = 60 * time.Second

// LeaseRenewer extends the claim on a job request. Retrying a failed renewal
// is the renewer's concern; the job context simply asks again on the next tick.
type LeaseRenewer interface {
	RenewLease(ctx context.Context, poolID, requestID int64, lockToken string) (time.Time, error)
}

type leaseRenewal struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLeaseRenewal(ctx context.Context, renewer LeaseRenewer, job JobInfo, interval time.Duration, log *slog.Logger, metrics *observability.AgentMetrics) *leaseRenewal {
	ctx, cancel := context.WithCancel(ctx)
	l := &leaseRenewal{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lockedUntil, err := renewer.RenewLease(ctx, job.PoolID, job.RequestID, job.LockToken)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					metrics.LeaseRenewed(ctx, false)
					log.Warn("lease renewal failed", "request_id", job.RequestID, "error", err)
					continue
				}
				metrics.LeaseRenewed(ctx, true)
				log.Debug("lease renewed", "request_id", job.RequestID, "locked_until", lockedUntil)
			}
		}
	}()
	return l
}

// stop cancels renewal and waits for the renewal goroutine to exit.
func (l *leaseRenewal) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
