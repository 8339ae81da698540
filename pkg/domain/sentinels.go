package domain

import "math"

// WellSentinel replaces the well label of an image whose channel paths
// disagree. It can never equal a real well label, so such rows never match a
// well annotation.
const WellSentinel = "0"

// NullFill is the categorical value written in place of every null left after
// the annotation joins.
const NullFill = "None"

// PhotoNumber is the acquisition index of an image within its well. The zero
// value is MissingPhoto.
type PhotoNumber struct {
	n     int32
	valid bool
}

// MissingPhoto marks an image whose channel paths disagree on the photo
// index. It is rendered as not-a-number.
var MissingPhoto = PhotoNumber{}

// Photo returns a valid photo number.
func Photo(n int32) PhotoNumber { return PhotoNumber{n: n, valid: true} }

// Value returns the photo index and whether it is valid.
func (p PhotoNumber) Value() (int32, bool) { return p.n, p.valid }

// Missing reports whether p is the MissingPhoto sentinel.
func (p PhotoNumber) Missing() bool { return !p.valid }

// Float returns the photo index as a float, NaN when missing.
func (p PhotoNumber) Float() float64 {
	if !p.valid {
		return math.NaN()
	}
	return float64(p.n)
}
