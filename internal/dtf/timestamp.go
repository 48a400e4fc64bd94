package dtf

// msDigits is the number of decimal digits of a millisecond epoch in the current era.
const msDigits = 13

// NormalizeTimestamp converts an epoch of unknown precision into milliseconds.
//
// Shorter values (seconds, deciseconds) are padded with trailing zeros and longer ones
// (micro or nanoseconds) are truncated, both to 13 digits. Zero stays zero.
func NormalizeTimestamp(raw uint64) uint64 {
	if raw == 0 {
		return 0
	}
	n := digits(raw)
	for ; n < msDigits; n++ {
		raw *= 10
	}
	for ; n > msDigits; n-- {
		raw /= 10
	}
	return raw
}

func digits(v uint64) int {
	n := 0
	for v > 0 {
		v /= 10
		n++
	}
	return n
}
