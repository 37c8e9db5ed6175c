// Package util holds small price and size rounding helpers.
package util

import "math"

// FloorToTick rounds price down to the nearest tick multiple.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick) * tick
}

// CeilToTick rounds price up to the nearest tick multiple.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick) * tick
}

// FloorToLot rounds a quantity down to a whole number of lots.
func FloorToLot(qty, lotSize int) int {
	if lotSize <= 0 {
		return qty
	}
	return (qty / lotSize) * lotSize
}
