package fuzz

// topClass is the count class of the most exercised counters.
const topClass = 8

// countClass buckets a saturated global hit count the way AFL does.
func countClass(n uint8) uint8 {
	switch {
	case n <= 1:
		return 1
	case n == 2:
		return 2
	case n == 3:
		return 3
	case n <= 7:
		return 4
	case n <= 15:
		return 5
	case n <= 31:
		return 6
	case n <= 127:
		return 7
	}
	return topClass
}

// Rarity scores one counter by its global hit count. Rarely exercised
// counters score higher, from 8 down to 1.
func Rarity(n uint8) uint64 {
	return uint64(topClass + 1 - countClass(n))
}
