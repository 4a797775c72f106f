package convert

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	assert.Equal(t, 1.5, ToFloat64("1.5"))
	assert.Equal(t, 2.0, ToFloat64(json.Number("2")))
	assert.Equal(t, 3.25, ToFloat64(decimal.RequireFromString("3.25")))
	assert.Equal(t, 0.0, ToFloat64("abc"))
	assert.Equal(t, 0.0, ToFloat64(struct{}{}))
}

func TestRound8(t *testing.T) {
	assert.Equal(t, 0.3, Round8(0.1+0.2))
}
