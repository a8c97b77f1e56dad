package safety

import (
	"fmt"
	"strings"

	"github.com/carryon-app/carryon-backend/internal/models"
)

// Transport limits tuned for hand-carry on the MRT.
const (
	MaxItemWeightKg = 1.0
	MaxDimensionCm  = 25.0
)

// PhysicalResult is the outcome of the physical-safety ruleset. Reason is
// the ";"-joined list of every violated rule, not just the first.
type PhysicalResult struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// ValidatePhysical checks the declared item attributes against the fixed
// transport limits. All rules are independent and all are evaluated even
// after a failure. Absent optional fields pass their own rule.
func ValidatePhysical(item models.ItemAttributes) PhysicalResult {
	var violations []string

	if item.WeightKg >= MaxItemWeightKg {
		violations = append(violations, fmt.Sprintf("weight must be less than 1kg (got %.2fkg)", item.WeightKg))
	}

	checkDim := func(name string, v *float64) {
		if v != nil && *v >= MaxDimensionCm {
			violations = append(violations, fmt.Sprintf("%s must be less than 25cm (got %.1fcm)", name, *v))
		}
	}
	checkDim("width", item.WidthCm)
	checkDim("height", item.HeightCm)
	checkDim("length", item.LengthCm)

	if item.Quantity > 1 {
		aggregate := item.WeightKg * float64(item.Quantity)
		if aggregate >= MaxItemWeightKg {
			violations = append(violations, fmt.Sprintf("total weight for quantity %d must be less than 1kg (got %.2fkg)", item.Quantity, aggregate))
		}
	}

	if item.RequiresRefrigeration || item.RequiresFreezing {
		violations = append(violations, "temperature-sensitive items cannot be transported")
	}

	if item.IsLeaking || item.PotentiallyLeaking {
		violations = append(violations, "leaking or potentially leaking items cannot be transported")
	}

	// Fragile is advisory only; it never rejects.

	if len(violations) > 0 {
		return PhysicalResult{IsValid: false, Reason: strings.Join(violations, "; ")}
	}
	return PhysicalResult{IsValid: true}
}
