// Package features contains the sparse image features used to seed and match
// map points: FAST corners and BRIEF binary descriptors.
package features

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Descriptor is a binary feature descriptor packed into 64-bit words.
type Descriptor []uint64

// HammingDistance returns the number of differing bits between two
// descriptors of equal length.
func HammingDistance(a, b Descriptor) (int, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor lengths differ: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.New("cannot compare empty descriptors")
	}
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d, nil
}
