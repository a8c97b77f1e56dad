package safety

import (
	"testing"

	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func floatPtr(v float64) *float64 { return &v }

func TestValidatePhysicalAcceptsLightItem(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{WeightKg: 0.5, Quantity: 1})
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Reason)
}

func TestValidatePhysicalRejectsHeavyItem(t *testing.T) {
	for _, w := range []float64{1.0, 1.5, 10} {
		result := ValidatePhysical(models.ItemAttributes{WeightKg: w, Quantity: 1})
		assert.False(t, result.IsValid)
		assert.Contains(t, result.Reason, "less than 1kg")
	}
}

func TestValidatePhysicalOptionalDimensionsPassWhenAbsent(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{WeightKg: 0.3, Quantity: 1})
	assert.True(t, result.IsValid)
}

func TestValidatePhysicalRejectsOversizedDimension(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{
		WeightKg: 0.3,
		Quantity: 1,
		WidthCm:  floatPtr(30),
	})
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Reason, "width must be less than 25cm")
}

func TestValidatePhysicalAggregateWeight(t *testing.T) {
	// 0.4kg each is fine alone, but three of them exceed the limit.
	result := ValidatePhysical(models.ItemAttributes{WeightKg: 0.4, Quantity: 3})
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Reason, "total weight")
}

func TestValidatePhysicalRejectsTemperatureAndLeaks(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{
		WeightKg:              0.2,
		Quantity:              1,
		RequiresRefrigeration: true,
		IsLeaking:             true,
	})
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Reason, "temperature-sensitive")
	assert.Contains(t, result.Reason, "leaking")
}

func TestValidatePhysicalReportsEveryViolation(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{
		WeightKg:         2.0,
		Quantity:         1,
		HeightCm:         floatPtr(40),
		RequiresFreezing: true,
	})
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Reason, "less than 1kg")
	assert.Contains(t, result.Reason, "height must be less than 25cm")
	assert.Contains(t, result.Reason, "temperature-sensitive")
}

func TestValidatePhysicalFragileIsAdvisoryOnly(t *testing.T) {
	result := ValidatePhysical(models.ItemAttributes{WeightKg: 0.5, Quantity: 1, IsFragile: true})
	assert.True(t, result.IsValid)
}
