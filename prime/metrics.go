// metrics.go
//
// Step-metric accumulation. Operations append per-micro-batch observations
// under stable keys and reduce them to means for the controller.

package prime

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Metrics accumulates named observation lists across micro-batches, the
// role-scoped equivalent of appending training metrics into a step dict.
type Metrics map[string][]float64

// Append records one observation under key.
func (m Metrics) Append(key string, v float64) {
	m[key] = append(m[key], v)
}

// Merge appends every observation list of other into m.
func (m Metrics) Merge(other Metrics) {
	for k, vs := range other {
		m[k] = append(m[k], vs...)
	}
}

// Mean returns the mean of the observations under key, or 0 when absent.
func (m Metrics) Mean(key string) float64 {
	vs := m[key]
	if len(vs) == 0 {
		return 0
	}
	return stat.Mean(vs, nil)
}

// Reduce collapses every observation list to its mean.
func (m Metrics) Reduce() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k := range m {
		out[k] = m.Mean(k)
	}
	return out
}

// Keys returns metric names in sorted order, for stable reporting.
func (m Metrics) Keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
