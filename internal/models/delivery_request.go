package models

import (
	"time"

	"gorm.io/gorm"
)

// RequestStatus is the lifecycle state of a DeliveryRequest. The string
// values are part of the wire contract with the mobile clients and must
// not be renamed.
type RequestStatus string

const (
	StatusCreated          RequestStatus = "created"
	StatusRequested        RequestStatus = "requested"
	StatusApproved         RequestStatus = "approved"
	StatusWaitingPickup    RequestStatus = "waiting_pickup"
	StatusPickupOtpPending RequestStatus = "pickup_otp_pending"
	StatusPicked           RequestStatus = "picked"
	StatusInTransit        RequestStatus = "in_transit"
	StatusDelivered        RequestStatus = "delivered"
	StatusCompleted        RequestStatus = "completed"
	StatusCancelled        RequestStatus = "cancelled"
	StatusExpired          RequestStatus = "expired"
	StatusRejected         RequestStatus = "rejected"
)

// TerminalStatuses have no outgoing transition. Requests in these states
// are retained forever for audit and rating history.
var TerminalStatuses = []RequestStatus{
	StatusCompleted, StatusCancelled, StatusExpired, StatusRejected,
}

// PrePickupStatuses are the states a request can still be cancelled from.
var PrePickupStatuses = []RequestStatus{
	StatusCreated, StatusRequested, StatusApproved,
	StatusWaitingPickup, StatusPickupOtpPending,
}

// IsTerminal reports whether s has no outgoing transition.
func (s RequestStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// RequestExpiry is how long a freshly created request stays open for
// helpers before the sweep expires it.
const RequestExpiry = 60 * time.Minute

// ItemAttributes are the declared physical properties of the parcel.
// Dimension fields are optional; absent values pass their rule.
type ItemAttributes struct {
	WeightKg              float64  `gorm:"column:weight_kg;not null" json:"weightKg"`
	WidthCm               *float64 `gorm:"column:width_cm" json:"widthCm,omitempty"`
	HeightCm              *float64 `gorm:"column:height_cm" json:"heightCm,omitempty"`
	LengthCm              *float64 `gorm:"column:length_cm" json:"lengthCm,omitempty"`
	Quantity              int      `gorm:"column:quantity;not null;default:1" json:"quantity"`
	RequiresRefrigeration bool     `gorm:"column:requires_refrigeration;not null;default:false" json:"requiresRefrigeration"`
	RequiresFreezing      bool     `gorm:"column:requires_freezing;not null;default:false" json:"requiresFreezing"`
	IsLeaking             bool     `gorm:"column:is_leaking;not null;default:false" json:"isLeaking"`
	PotentiallyLeaking    bool     `gorm:"column:potentially_leaking;not null;default:false" json:"potentiallyLeaking"`
	IsFragile             bool     `gorm:"column:is_fragile;not null;default:false" json:"isFragile"`
}

// DeliveryRequest is the central entity of the platform. Every mutation
// goes through the lifecycle package; nothing else writes these rows.
type DeliveryRequest struct {
	gorm.Model
	SenderID   uint   `gorm:"column:sender_id;not null;index" json:"senderId"`
	CommuterID *uint  `gorm:"column:commuter_id;index" json:"commuterId,omitempty"`
	RiderQueue []uint `gorm:"column:rider_queue;serializer:json" json:"riderQueue"`

	PickupPostal string   `gorm:"column:pickup_postal;not null" json:"pickupPostal"`
	PickupDetail string   `gorm:"column:pickup_detail" json:"pickupDetail,omitempty"`
	PickupLat    *float64 `gorm:"column:pickup_lat" json:"pickupLat,omitempty"`
	PickupLng    *float64 `gorm:"column:pickup_lng" json:"pickupLng,omitempty"`
	DropPostal   string   `gorm:"column:drop_postal;not null" json:"dropPostal"`
	DropDetail   string   `gorm:"column:drop_detail" json:"dropDetail,omitempty"`
	DropLat      *float64 `gorm:"column:drop_lat" json:"dropLat,omitempty"`
	DropLng      *float64 `gorm:"column:drop_lng" json:"dropLng,omitempty"`

	ItemDescription string         `gorm:"column:item_description;not null" json:"itemDescription"`
	ItemCategory    string         `gorm:"column:item_category" json:"itemCategory"`
	Item            ItemAttributes `gorm:"embedded" json:"item"`
	DeclaredPrice   *float64       `gorm:"column:declared_price" json:"declaredPrice,omitempty"`

	// Both OTPs are generated once at creation and never regenerated.
	PickupOTP string `gorm:"column:pickup_otp;not null" json:"-"`
	DropOTP   string `gorm:"column:drop_otp;not null" json:"-"`

	Status             RequestStatus `gorm:"column:status;not null;default:'created';index" json:"status"`
	ExpiresAt          time.Time     `gorm:"column:expires_at;not null" json:"expiresAt"`
	CancellationReason string        `gorm:"column:cancellation_reason" json:"cancellationReason,omitempty"`

	TrackingEnabled bool       `gorm:"column:tracking_enabled;not null;default:false" json:"trackingEnabled"`
	RiderLat        *float64   `gorm:"column:rider_lat" json:"riderLat,omitempty"`
	RiderLng        *float64   `gorm:"column:rider_lng" json:"riderLng,omitempty"`
	RiderLocatedAt  *time.Time `gorm:"column:rider_located_at" json:"riderLocatedAt,omitempty"`

	PaymentConfirmed bool `gorm:"column:payment_confirmed;not null;default:false" json:"paymentConfirmed"`

	SenderRating *float64 `gorm:"column:sender_rating" json:"senderRating,omitempty"`
	RiderRating  *float64 `gorm:"column:rider_rating" json:"riderRating,omitempty"`

	Sender   *User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Commuter *User `gorm:"foreignKey:CommuterID" json:"commuter,omitempty"`
}

// TableName specifies the table name
func (DeliveryRequest) TableName() string {
	return "delivery_requests"
}

// InQueue reports whether riderID has already asked to deliver this request.
func (r *DeliveryRequest) InQueue(riderID uint) bool {
	for _, id := range r.RiderQueue {
		if id == riderID {
			return true
		}
	}
	return false
}
