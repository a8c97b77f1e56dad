// Package lifecycle owns every mutation of a DeliveryRequest. The legal
// moves live in one transition table; each operation performs a single
// guarded read-modify-write so concurrent callers cannot double-advance
// a request.
package lifecycle

import (
	"github.com/carryon-app/carryon-backend/internal/models"
)

// Operation names a status-changing move on a delivery request.
type Operation string

const (
	OpRequestToDeliver  Operation = "request_to_deliver"
	OpApprove           Operation = "approve"
	OpDeclineAll        Operation = "decline_all"
	OpArrivePickup      Operation = "arrive_pickup"
	OpInitiatePickupOtp Operation = "initiate_pickup_otp"
	OpVerifyPickupOtp   Operation = "verify_pickup_otp"
	OpStartTransit      Operation = "start_transit"
	OpVerifyDropOtp     Operation = "verify_drop_otp"
	OpComplete          Operation = "complete"
	OpCancel            Operation = "cancel"
	OpExpire            Operation = "expire"
)

type transition struct {
	From []models.RequestStatus
	To   models.RequestStatus
}

// transitionTable is the single source of truth for which statuses permit
// which operation and where it lands. Illegal moves are rejected before
// any write happens; the same from-set is re-checked inside the guarded
// UPDATE to close race windows.
var transitionTable = map[Operation]transition{
	OpRequestToDeliver: {
		From: []models.RequestStatus{models.StatusCreated, models.StatusRequested},
		To:   models.StatusRequested,
	},
	OpApprove: {
		From: []models.RequestStatus{models.StatusCreated, models.StatusRequested},
		To:   models.StatusApproved,
	},
	OpDeclineAll: {
		From: []models.RequestStatus{models.StatusRequested},
		To:   models.StatusRejected,
	},
	OpArrivePickup: {
		From: []models.RequestStatus{models.StatusApproved},
		To:   models.StatusWaitingPickup,
	},
	OpInitiatePickupOtp: {
		From: []models.RequestStatus{models.StatusApproved, models.StatusWaitingPickup},
		To:   models.StatusPickupOtpPending,
	},
	OpVerifyPickupOtp: {
		From: []models.RequestStatus{models.StatusWaitingPickup, models.StatusPickupOtpPending},
		To:   models.StatusPicked,
	},
	OpStartTransit: {
		From: []models.RequestStatus{models.StatusPicked},
		To:   models.StatusInTransit,
	},
	OpVerifyDropOtp: {
		From: []models.RequestStatus{models.StatusInTransit},
		To:   models.StatusDelivered,
	},
	OpComplete: {
		From: []models.RequestStatus{models.StatusDelivered},
		To:   models.StatusCompleted,
	},
	OpCancel: {
		From: models.PrePickupStatuses,
		To:   models.StatusCancelled,
	},
	OpExpire: {
		From: []models.RequestStatus{models.StatusCreated},
		To:   models.StatusExpired,
	},
}

// AllowedFrom returns the statuses op may fire from.
func AllowedFrom(op Operation) []models.RequestStatus {
	return transitionTable[op].From
}

// Target returns the status op lands in.
func Target(op Operation) models.RequestStatus {
	return transitionTable[op].To
}

// CanTransition reports whether op is legal from the given status.
func CanTransition(op Operation, from models.RequestStatus) bool {
	for _, s := range transitionTable[op].From {
		if s == from {
			return true
		}
	}
	return false
}
