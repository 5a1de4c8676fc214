package credit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepResult counts what one status sweep did.
type SweepResult struct {
	Checked   int
	Updated   int
	Conflicts int
	Failed    int
}

// SweepStatuses persists time-driven transitions (Current -> DueSoon -> PastDue
// -> Defaulted) for every contract of tenantID ("" = all tenants) as of now.
// A contract that moved under us is skipped; the next sweep picks it up.
func (c *Coordinator) SweepStatuses(ctx context.Context, tenantID TenantID, policy StatusPolicy) (SweepResult, error) {
	var res SweepResult
	contracts, err := c.Store.ListContracts(ctx, tenantID)
	if err != nil {
		return res, err
	}

	now := c.Clock.Now()
	for i := range contracts {
		contract := contracts[i]
		res.Checked++

		next, changed := NextTimeDrivenStatus(&contract, now, policy)
		if !changed {
			continue
		}

		updated := contract
		updated.Status = next
		updated.UpdatedAt = now
		err := c.Store.WithTx(ctx, func(uow UnitOfWork) error {
			return uow.UpdateContract(ctx, updated, contract.Version)
		})
		switch {
		case err == nil:
			res.Updated++
			c.Log.WithFields(logrus.Fields{
				"contract_id": contract.ID,
				"from":        contract.Status,
				"to":          next,
				"due_date":    contract.DueDate.Format(time.RFC3339),
			}).Info("status transitioned")
		case IsRetryable(err):
			res.Conflicts++
		default:
			res.Failed++
			c.Log.WithError(err).WithField("contract_id", contract.ID).Error("status transition failed")
		}
	}
	return res, nil
}
