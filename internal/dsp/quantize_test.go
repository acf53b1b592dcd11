package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantizeCI4RoundTrip(t *testing.T) {
	b := QuantizeCI4(3, -2, 1.0)
	re, im := UnpackCI4(b)
	assert.EqualValues(t, 3, re)
	assert.EqualValues(t, -2, im)
}

func TestQuantizeCI4Saturates(t *testing.T) {
	b := QuantizeCI4(100, -100, 1.0)
	re, im := UnpackCI4(b)
	assert.EqualValues(t, 7, re)
	assert.EqualValues(t, -8, im)
}

func TestQuantizeCI8Saturates(t *testing.T) {
	re, im := QuantizeCI8(1000, -1000, 1.0)
	assert.EqualValues(t, 127, int8(re))
	assert.EqualValues(t, -128, int8(im))
}
