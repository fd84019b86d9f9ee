// ABOUTME: Expiration policy model with a closed set of conditions
// ABOUTME: Conditions are tagged variants evaluated by type switch

package conversation

import (
	"fmt"
	"time"
)

// Condition names as they appear in configuration
const (
	ConditionLowAccessCount = "low_access_count"
	ConditionNoFollowUps    = "no_follow_ups"
	ConditionLowConfidence  = "low_confidence"
)

// ExpirationPolicy is a named rule set used to delete whole contexts
type ExpirationPolicy struct {
	Name          string
	MaxAge        time.Duration // Zero disables the age check
	MaxInactivity time.Duration // Zero disables the inactivity check
	Priority      string
	Conditions    []Condition
}

// Condition is implemented only by LowAccessCount, NoFollowUps and LowConfidence
type Condition interface {
	Name() string
	condition()
}

// LowAccessCount matches contexts read fewer than Threshold times
type LowAccessCount struct {
	Threshold int
}

// NoFollowUps matches contexts where no turn was flagged as a follow-up
type NoFollowUps struct{}

// LowConfidence matches contexts whose mean response confidence is below Threshold
type LowConfidence struct {
	Threshold float64
}

func (LowAccessCount) Name() string { return ConditionLowAccessCount }
func (NoFollowUps) Name() string    { return ConditionNoFollowUps }
func (LowConfidence) Name() string  { return ConditionLowConfidence }

func (LowAccessCount) condition() {}
func (NoFollowUps) condition()    {}
func (LowConfidence) condition()  {}

// ParseCondition maps a configured condition name to its variant with default thresholds
func ParseCondition(name string) (Condition, error) {
	switch name {
	case ConditionLowAccessCount:
		return LowAccessCount{Threshold: 3}, nil
	case ConditionNoFollowUps:
		return NoFollowUps{}, nil
	case ConditionLowConfidence:
		return LowConfidence{Threshold: 0.5}, nil
	default:
		return nil, fmt.Errorf("unknown expiration condition: %q", name)
	}
}

// DefaultPolicies returns the policies used when none are configured
func DefaultPolicies() []ExpirationPolicy {
	return []ExpirationPolicy{
		{
			Name:          "stale_session",
			MaxAge:        7 * 24 * time.Hour,
			MaxInactivity: 24 * time.Hour,
			Priority:      "normal",
		},
	}
}
