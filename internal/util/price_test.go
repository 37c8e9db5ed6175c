package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloorToTick(t *testing.T) {
	assert.InDelta(t, 100.05, FloorToTick(100.07, 0.05), 1e-9)
	assert.InDelta(t, 100.05, FloorToTick(100.05, 0.05), 1e-9)
	assert.InDelta(t, 99.3, FloorToTick(99.3, 0), 1e-9, "zero tick passes through")
}

func TestCeilToTick(t *testing.T) {
	assert.InDelta(t, 100.10, CeilToTick(100.07, 0.05), 1e-9)
	assert.InDelta(t, 100.05, CeilToTick(100.05, 0.05), 1e-9)
}

func TestFloorToLot(t *testing.T) {
	assert.Equal(t, 100, FloorToLot(110, 50))
	assert.Equal(t, 0, FloorToLot(49, 50))
	assert.Equal(t, 75, FloorToLot(75, 0), "zero lot passes through")
}
