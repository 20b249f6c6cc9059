package peers

import (
	"math/rand"
	"strconv"
	"strings"
)

// VersionLess reports whether a is older than b under dotted-numeric
// semver-style comparison ("1.2.3" < "1.10.0"). Missing and non-numeric
// segments are read as 0, so malformed versions never panic; a non-numeric
// segment therefore orders below any positive number in the same position.
func VersionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// pseudoRandomFloat returns a value in [0, 1) using math/rand — used by the
// refresh cycle's 50% RemovedCache shrink decision. Isolated in its own
// function so it reads as one conceptual unit in refresh.go.
func pseudoRandomFloat() float64 {
	return rand.Float64()
}
