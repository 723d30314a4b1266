package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	assert.True(t, Valid(TypeCountry))
	assert.True(t, Valid(TypeUnescoSite))
	assert.False(t, Valid(Type("continent")))
	assert.False(t, Valid(Type("")))
}

func TestClassification(t *testing.T) {
	assert.True(t, Subnational(TypeUSState))
	assert.True(t, Subnational(TypeChineseProvince))
	assert.False(t, Subnational(TypeCountry))
	assert.False(t, Subnational(TypeCity))

	assert.True(t, Landmark(TypeNationalPark))
	assert.False(t, Landmark(TypeGermanState))
}

func TestParentCountry(t *testing.T) {
	assert.Equal(t, "FR", ParentCountry(TypeCountry, "FR"))
	assert.Equal(t, "US", ParentCountry(TypeUSState, "CA"))
	assert.Equal(t, "BR", ParentCountry(TypeBrazilianState, "SP"))
	assert.Equal(t, "", ParentCountry(TypeCity, "paris"))
}

func TestTotal(t *testing.T) {
	assert.Equal(t, 195, Total(TypeCountry))
	assert.Equal(t, 51, Total(TypeUSState))
	assert.Zero(t, Total(TypeCity), "open-ended types have no fixed total")
}
