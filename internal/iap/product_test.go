package iap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductType(t *testing.T) {
	tests := []struct {
		in   string
		want ProductType
	}{
		{"consumable", ProductTypeConsumable},
		{"Non_Consumable", ProductTypeNonConsumable},
		{"subs", ProductTypeSubscription},
		{"", ProductTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProductType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseProductType_UnknownIsSoftError(t *testing.T) {
	got, err := ParseProductType("bundle")
	assert.Equal(t, ProductTypeUnknown, got)
	assert.ErrorIs(t, err, ErrUnknownProductType)

	var pt ProductType
	require.NoError(t, pt.UnmarshalText([]byte("bundle")), "text decoding never fails on unknown types")
	assert.Equal(t, ProductTypeUnknown, pt)
}

func TestProductType_Known(t *testing.T) {
	for _, pt := range ProductTypes {
		assert.True(t, pt.Known(), pt.String())
	}
	assert.False(t, ProductTypeUnknown.Known())
}

func TestProduct_Amount(t *testing.T) {
	p := Product{SKU: "coins_100", PriceMicros: 4_990_000}
	assert.Equal(t, "4.99", p.Amount().String())

	phase := PricingPhase{PriceMicros: 0}
	assert.True(t, phase.Amount().IsZero())
	assert.True(t, phase.Recurring())
}

func TestParsePromotion(t *testing.T) {
	p, err := ParsePromotion("trial")
	require.NoError(t, err)
	assert.Equal(t, PromotionFree, p)

	_, err = ParsePromotion("bogus")
	assert.Error(t, err)
}

func TestFormatPrice(t *testing.T) {
	assert.Contains(t, FormatPrice(4_990_000, "USD", "en"), "4.99")
	assert.Equal(t, "1.50 XYZW", FormatPrice(1_500_000, "XYZW", "en"))
}

func TestNormalizeSKU(t *testing.T) {
	// "e" followed by a combining acute accent normalizes to the precomposed form.
	assert.Equal(t, "caf\u00e9", NormalizeSKU(" cafe\u0301 "))
}
