package domain

import "time"

// Allocation binds a scarce resource value to one environment.
type Allocation struct {
	EnvironmentID string
	ResourceClass string
	Value         int
	AllocatedAt   time.Time
}

// ResourcePool is the configured value range of a resource class.
type ResourcePool struct {
	Class      string
	RangeStart int
	RangeEnd   int
}

// Capacity returns the number of values in the pool.
func (p ResourcePool) Capacity() int {
	if p.RangeEnd < p.RangeStart {
		return 0
	}
	return p.RangeEnd - p.RangeStart + 1
}
