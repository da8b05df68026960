package prime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_AppendAndMean(t *testing.T) {
	m := Metrics{}
	m.Append("loss", 1.0)
	m.Append("loss", 3.0)

	assert.Equal(t, 2.0, m.Mean("loss"))
	assert.Equal(t, 0.0, m.Mean("absent"))
}

func TestMetrics_Reduce_CollapsesToMeans(t *testing.T) {
	m := Metrics{}
	m.Append("a", 2.0)
	m.Append("a", 4.0)
	m.Append("b", 5.0)

	got := m.Reduce()
	assert.Equal(t, map[string]float64{"a": 3.0, "b": 5.0}, got)
}

func TestMetrics_Merge_AppendsObservations(t *testing.T) {
	m := Metrics{}
	m.Append("a", 1.0)
	other := Metrics{}
	other.Append("a", 3.0)
	other.Append("b", 7.0)

	m.Merge(other)
	assert.Equal(t, 2.0, m.Mean("a"))
	assert.Equal(t, 7.0, m.Mean("b"))
}

func TestMetrics_Keys_Sorted(t *testing.T) {
	m := Metrics{}
	m.Append("z", 1)
	m.Append("a", 1)
	assert.Equal(t, []string{"a", "z"}, m.Keys())
}
