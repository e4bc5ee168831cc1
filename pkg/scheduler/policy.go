package scheduler

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/domainscope/domainscope/pkg/resource"
)

const day = 24 * time.Hour

// Tier scales the base TTL by Multiplier once a domain has been inactive
// for at least InactiveDays.
type Tier struct {
	InactiveDays int     `yaml:"inactive_days"`
	Multiplier   float64 `yaml:"multiplier"`
}

// Ladder is an ascending list of tiers. Domains inactive for more than
// CutoffDays are no longer revalidated.
type Ladder struct {
	CutoffDays int    `yaml:"cutoff_days"`
	Tiers      []Tier `yaml:"tiers"`
}

// Policy holds one ladder per kind class.
type Policy struct {
	Fast Ladder `yaml:"fast"`
	Slow Ladder `yaml:"slow"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		Fast: Ladder{
			CutoffDays: 180,
			Tiers:      []Tier{{0, 1}, {1, 3}, {3, 5}, {7, 10}, {14, 20}, {30, 30}, {60, 50}},
		},
		Slow: Ladder{
			CutoffDays: 90,
			Tiers:      []Tier{{0, 1}, {7, 3}, {14, 5}, {30, 10}, {45, 20}, {60, 30}, {75, 50}},
		},
	}
}

// LoadPolicy reads a yaml policy file. Missing ladders keep their default.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*Policy, error) {
	var raw struct {
		Fast *Ladder `yaml:"fast"`
		Slow *Ladder `yaml:"slow"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("invalid policy yaml, %w", err)
	}
	p := DefaultPolicy()
	if raw.Fast != nil {
		p.Fast = *raw.Fast
	}
	if raw.Slow != nil {
		p.Slow = *raw.Slow
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Validate() error {
	if err := p.Fast.validate(); err != nil {
		return fmt.Errorf("fast ladder: %w", err)
	}
	if err := p.Slow.validate(); err != nil {
		return fmt.Errorf("slow ladder: %w", err)
	}
	return nil
}

func (l *Ladder) validate() error {
	if l.CutoffDays <= 0 {
		return errors.New("cutoff_days must be positive")
	}
	for i, t := range l.Tiers {
		if t.InactiveDays < 0 || t.Multiplier < 1 {
			return fmt.Errorf("tier #%d: invalid tier %+v", i, t)
		}
		if i > 0 {
			prev := l.Tiers[i-1]
			if t.InactiveDays <= prev.InactiveDays || t.Multiplier < prev.Multiplier {
				return fmt.Errorf("tier #%d: tiers must be ascending", i)
			}
		}
	}
	return nil
}

// LadderFor returns the ladder of the class of base.
func (p *Policy) LadderFor(base time.Duration) *Ladder {
	if base <= resource.FastChangingThreshold {
		return &p.Fast
	}
	return &p.Slow
}

// TierMultiplier returns the multiplier of the highest tier whose
// threshold is <= inactiveDays, or 1 if there is none.
func TierMultiplier(inactiveDays int, tiers []Tier) float64 {
	m := 1.0
	for _, t := range tiers {
		if t.InactiveDays > inactiveDays {
			break
		}
		m = t.Multiplier
	}
	return m
}

// NextDelay returns the delay until the next revalidation of a resource
// with the given base TTL. ok is false when the domain is past the cutoff
// and should not be revalidated at all.
// An unknown or future lastAccessed uses the normal cadence.
func (p *Policy) NextDelay(base time.Duration, lastAccessed time.Time, known bool, now time.Time) (d time.Duration, ok bool) {
	return p.ScaleDelay(base, base, lastAccessed, known, now)
}

// ScaleDelay is NextDelay for an arbitrary delay, such as a retry, of a
// resource with the given base TTL. The ladder and cutoff follow base,
// the tier multiplier scales delay.
func (p *Policy) ScaleDelay(base, delay time.Duration, lastAccessed time.Time, known bool, now time.Time) (d time.Duration, ok bool) {
	if !known || lastAccessed.After(now) {
		return delay, true
	}
	l := p.LadderFor(base)
	inactiveDays := int(now.Sub(lastAccessed) / day)
	if inactiveDays > l.CutoffDays {
		return 0, false
	}
	return time.Duration(float64(delay) * TierMultiplier(inactiveDays, l.Tiers)), true
}
