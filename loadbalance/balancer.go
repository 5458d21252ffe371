// Package loadbalance picks which daemon instance a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity controllers
//   - WeightedRandom:  instances registered with different weights
//   - ConsistentHash:  keyed calls, e.g. every step request for one job to the same daemon
package loadbalance

import (
	"errors"
	"fmt"

	"slurm-rpc/registry"
)

// ErrNoInstances is returned by Pick when the instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target instance. The client calls Pick before each call,
// from many goroutines at once.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name as used in configuration.
	Name() string
}

// KeyedBalancer is a Balancer that can also route by key.
type KeyedBalancer interface {
	Balancer
	PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
}

// New returns the balancer configured under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", RoundRobinName:
		return &RoundRobinBalancer{}, nil
	case WeightedRandomName:
		return &WeightedRandomBalancer{}, nil
	case ConsistentHashName:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
