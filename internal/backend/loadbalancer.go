package backend

import (
	"fmt"
	"math/rand/v2"

	"github.com/vyrodovalexey/medgw/internal/config"
)

// Balancer selects one instance out of a non-empty list of healthy
// instances. It is called with the service lock held and must not block.
type Balancer interface {
	Select(healthy []*Instance) *Instance
}

// NewBalancer returns the balancer for a configured policy name.
func NewBalancer(policy string) (Balancer, error) {
	switch policy {
	case "", config.PolicyWeightedLoad:
		return NewWeightedLoadBalancer(), nil
	case config.PolicyLeastLoaded:
		return NewLeastLoadedBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown load balancing policy %q", policy)
	}
}

// WeightedLoadBalancer draws r uniformly from [0, totalLoad) and returns
// the first instance at which the running sum of load exceeds r. With
// zero total load the first instance wins.
//
// The draw lands on an instance with probability proportional to its
// load, so busier instances are favoured. LeastLoadedBalancer is the
// alternative for deployments that want the opposite.
type WeightedLoadBalancer struct {
	random func() float64
}

// WeightedOption configures a WeightedLoadBalancer.
type WeightedOption func(*WeightedLoadBalancer)

// WithRandomSource replaces the uniform [0,1) source, for tests.
func WithRandomSource(fn func() float64) WeightedOption {
	return func(b *WeightedLoadBalancer) {
		b.random = fn
	}
}

// NewWeightedLoadBalancer creates a weighted-load balancer.
func NewWeightedLoadBalancer(opts ...WeightedOption) *WeightedLoadBalancer {
	b := &WeightedLoadBalancer{
		//nolint:gosec // instance selection is not security-sensitive
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Select implements Balancer.
func (b *WeightedLoadBalancer) Select(healthy []*Instance) *Instance {
	var total int64
	for _, inst := range healthy {
		total += inst.load
	}
	if total == 0 {
		return healthy[0]
	}

	r := b.random() * float64(total)
	var sum int64
	for _, inst := range healthy {
		sum += inst.load
		if float64(sum) > r {
			return inst
		}
	}
	return healthy[len(healthy)-1]
}

// LeastLoadedBalancer returns the instance with the lowest load; the
// earliest instance wins ties.
type LeastLoadedBalancer struct{}

// NewLeastLoadedBalancer creates a least-loaded balancer.
func NewLeastLoadedBalancer() *LeastLoadedBalancer {
	return &LeastLoadedBalancer{}
}

// Select implements Balancer.
func (LeastLoadedBalancer) Select(healthy []*Instance) *Instance {
	best := healthy[0]
	for _, inst := range healthy[1:] {
		if inst.load < best.load {
			best = inst
		}
	}
	return best
}
