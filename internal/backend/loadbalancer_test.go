package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/medgw/internal/config"
)

func instancesWithLoad(loads ...int64) []*Instance {
	out := make([]*Instance, 0, len(loads))
	for i, l := range loads {
		out = append(out, &Instance{id: string(rune('a' + i)), healthy: true, load: l})
	}
	return out
}

func TestWeightedLoadBalancer_Select(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		loads []int64
		rand  float64
		want  string
	}{
		{name: "zero load picks first", loads: []int64{0, 0, 0}, rand: 0.99, want: "a"},
		{name: "low draw", loads: []int64{2, 6}, rand: 0.1, want: "a"},
		{name: "draw past first bucket", loads: []int64{2, 6}, rand: 0.25, want: "b"},
		{name: "boundary goes to next", loads: []int64{1, 1, 2}, rand: 0.5, want: "c"},
		{name: "zero-load instance skipped", loads: []int64{0, 3}, rand: 0, want: "b"},
		{name: "single instance", loads: []int64{7}, rand: 0.7, want: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewWeightedLoadBalancer(WithRandomSource(func() float64 { return tt.rand }))
			got := b.Select(instancesWithLoad(tt.loads...))
			assert.Equal(t, tt.want, got.id)
		})
	}
}

func TestWeightedLoadBalancer_FallsBackToLast(t *testing.T) {
	t.Parallel()

	b := NewWeightedLoadBalancer(WithRandomSource(func() float64 { return 1.0 }))
	got := b.Select(instancesWithLoad(1, 1))
	assert.Equal(t, "b", got.id)
}

func TestLeastLoadedBalancer_Select(t *testing.T) {
	t.Parallel()

	b := NewLeastLoadedBalancer()
	assert.Equal(t, "b", b.Select(instancesWithLoad(3, 1, 2)).id)
	assert.Equal(t, "a", b.Select(instancesWithLoad(1, 1, 1)).id)
	assert.Equal(t, "c", b.Select(instancesWithLoad(5, 4, 0)).id)
}

func TestNewBalancer(t *testing.T) {
	t.Parallel()

	b, err := NewBalancer(config.PolicyWeightedLoad)
	require.NoError(t, err)
	assert.IsType(t, &WeightedLoadBalancer{}, b)

	b, err = NewBalancer("")
	require.NoError(t, err)
	assert.IsType(t, &WeightedLoadBalancer{}, b)

	b, err = NewBalancer(config.PolicyLeastLoaded)
	require.NoError(t, err)
	assert.IsType(t, &LeastLoadedBalancer{}, b)

	_, err = NewBalancer("round-robin")
	assert.Error(t, err)
}
