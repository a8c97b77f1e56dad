package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carryon-app/carryon-backend/internal/models"
)

func TestTransitionTableHappyPath(t *testing.T) {
	steps := []struct {
		op   Operation
		from models.RequestStatus
		to   models.RequestStatus
	}{
		{OpRequestToDeliver, models.StatusCreated, models.StatusRequested},
		{OpApprove, models.StatusRequested, models.StatusApproved},
		{OpArrivePickup, models.StatusApproved, models.StatusWaitingPickup},
		{OpInitiatePickupOtp, models.StatusWaitingPickup, models.StatusPickupOtpPending},
		{OpVerifyPickupOtp, models.StatusPickupOtpPending, models.StatusPicked},
		{OpStartTransit, models.StatusPicked, models.StatusInTransit},
		{OpVerifyDropOtp, models.StatusInTransit, models.StatusDelivered},
		{OpComplete, models.StatusDelivered, models.StatusCompleted},
	}

	for _, step := range steps {
		assert.True(t, CanTransition(step.op, step.from), "%s from %s", step.op, step.from)
		assert.Equal(t, step.to, Target(step.op))
	}
}

func TestTerminalStatusesPermitNothing(t *testing.T) {
	ops := []Operation{
		OpRequestToDeliver, OpApprove, OpDeclineAll, OpArrivePickup,
		OpInitiatePickupOtp, OpVerifyPickupOtp, OpStartTransit,
		OpVerifyDropOtp, OpComplete, OpCancel, OpExpire,
	}
	for _, status := range models.TerminalStatuses {
		for _, op := range ops {
			assert.False(t, CanTransition(op, status), "%s must not fire from %s", op, status)
		}
	}
}

func TestCancelOnlyFromPrePickup(t *testing.T) {
	for _, status := range models.PrePickupStatuses {
		assert.True(t, CanTransition(OpCancel, status))
	}
	assert.False(t, CanTransition(OpCancel, models.StatusPicked))
	assert.False(t, CanTransition(OpCancel, models.StatusInTransit))
	assert.False(t, CanTransition(OpCancel, models.StatusDelivered))
}

func TestExpireOnlyFromCreated(t *testing.T) {
	assert.True(t, CanTransition(OpExpire, models.StatusCreated))
	assert.False(t, CanTransition(OpExpire, models.StatusRequested))
	assert.False(t, CanTransition(OpExpire, models.StatusApproved))
}
