package admission

import (
	"context"
	"fmt"
	"time"

	"credential-broker/database"
	"credential-broker/models"

	"go.uber.org/zap"
)

// assign hands credentials to Queuing requests in queue order. Each
// request gets the first credential of its pool that passes both the
// capacity and the throttle check; the claim itself is a conditional write
// on status Queuing.
func (e *Engine) assign(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses: []models.Status{models.StatusQueuing},
		Sort:     database.QueueSort,
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseAssignment, len(rows))

	for i, r := range rows {
		c.progress.step(i)
		pool, err := e.pool(ctx, c, r.Key)
		if err != nil {
			return err
		}

		now := e.now()
		assigned := false
		for _, cred := range pool {
			ok, err := e.eligible(ctx, cred, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			assigned, err = e.transition(ctx, c, PhaseAssignment, r, models.StatusGivenOut, database.Fields{
				database.ColCredentialId:      cred.Id,
				database.ColCheckoutTimestamp: now,
			})
			if err != nil {
				return err
			}
			// Lost claims mean the request left Queuing; don't try other credentials.
			break
		}
		if assigned {
			c.report.Assigned++
		} else {
			c.report.StillQueuing++
		}
	}

	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(c.report.StillQueuing))
	}
	if c.report.StillQueuing > 0 {
		e.logger.Debug("requests still queuing", zap.Int("count", c.report.StillQueuing))
	}
	return nil
}

// eligible reports whether cred may be checked out at now.
//
// Capacity counts holders in Given-Out, In-Use or Returned. Requests in
// Cancel never hold a credential (release only cancels before assignment),
// so they are not counted.
func (e *Engine) eligible(ctx context.Context, cred models.Credential, now time.Time) (bool, error) {
	if !cred.Unlimited() {
		held, err := e.repo.CountRequests(ctx, database.RequestQuery{
			CredentialId: cred.Id,
			Statuses:     models.CapacityStatuses,
		})
		if err != nil {
			return false, fmt.Errorf("count holders of %s: %w", cred.Id, err)
		}
		if held >= int64(cred.MaxCheckouts) {
			return false, nil
		}
	}

	if cred.ThrottleSeconds > 0 {
		since := now.Add(-cred.ThrottleWindow())
		recent, err := e.repo.CountRequests(ctx, database.RequestQuery{
			CredentialId:    cred.Id,
			Statuses:        models.ThrottleStatuses,
			CheckedOutSince: &since,
		})
		if err != nil {
			return false, fmt.Errorf("count recent checkouts of %s: %w", cred.Id, err)
		}
		if recent > 0 {
			return false, nil
		}
	}
	return true, nil
}
