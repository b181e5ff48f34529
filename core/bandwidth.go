package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RefillPolicy controls the granularity at which a bandwidth regenerates tokens.
type RefillPolicy uint8

const (
	// Greedy regenerates tokens continuously, proportionally to elapsed time.
	Greedy RefillPolicy = iota
	// Intervally grants RefillTokens once per whole refill period, counted from creation.
	Intervally
	// IntervallyAligned is Intervally with windows anchored to an absolute instant.
	IntervallyAligned
)

func (p RefillPolicy) String() string {
	switch p {
	case Greedy:
		return "greedy"
	case Intervally:
		return "intervally"
	case IntervallyAligned:
		return "intervally_aligned"
	}
	return fmt.Sprintf("RefillPolicy(%d)", uint8(p))
}

// ParseRefillPolicy is the inverse of RefillPolicy.String. An empty string means Greedy.
func ParseRefillPolicy(s string) (RefillPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "greedy":
		return Greedy, nil
	case "intervally":
		return Intervally, nil
	case "intervally_aligned", "intervally-aligned":
		return IntervallyAligned, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRefillPolicy, s)
}

// MarshalText encodes the policy by name so stored buckets stay readable.
func (p RefillPolicy) MarshalText() ([]byte, error) {
	if p > IntervallyAligned {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRefillPolicy, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *RefillPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseRefillPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Bandwidth is one independent limit lane, e.g. "100 tokens per minute".
type Bandwidth struct {
	// ID optionally names the lane. Ids are used to match lanes when a
	// configuration is replaced.
	ID string `json:"id,omitempty"`

	// Capacity is the maximum number of tokens the lane can hold.
	Capacity int64 `json:"capacity"`

	// RefillTokens are regenerated every RefillPeriodNanos. Zero disables refill.
	RefillTokens int64 `json:"refill_tokens"`

	RefillPeriodNanos int64 `json:"refill_period_nanos"`

	// InitialTokens is the token count of a freshly created or reset lane.
	InitialTokens int64 `json:"initial_tokens"`

	Policy RefillPolicy `json:"policy"`

	// AlignmentNanos is the instant, on the bucket clock, at which one of the
	// refill windows starts. Only used by IntervallyAligned.
	AlignmentNanos int64 `json:"alignment_nanos,omitempty"`
}

// Simple returns a greedy bandwidth that starts full and regenerates its whole
// capacity every period.
//
// Example: Simple(100, time.Minute) allows bursts of 100 and 100 tokens per minute sustained.
func Simple(capacity int64, period time.Duration) Bandwidth {
	return Bandwidth{
		Capacity:          capacity,
		RefillTokens:      capacity,
		RefillPeriodNanos: int64(period),
		InitialTokens:     capacity,
		Policy:            Greedy,
	}
}

// Classic returns a greedy bandwidth with a refill rate independent of its capacity.
func Classic(capacity, refillTokens int64, period time.Duration) Bandwidth {
	return Bandwidth{
		Capacity:          capacity,
		RefillTokens:      refillTokens,
		RefillPeriodNanos: int64(period),
		InitialTokens:     capacity,
		Policy:            Greedy,
	}
}

// WithID returns a copy of b carrying the given lane id.
func (b Bandwidth) WithID(id string) Bandwidth {
	b.ID = id
	return b
}

// WithInitialTokens returns a copy of b starting with the given amount of tokens.
func (b Bandwidth) WithInitialTokens(tokens int64) Bandwidth {
	b.InitialTokens = tokens
	return b
}

// WithIntervallyRefill returns a copy of b switched to the Intervally policy.
func (b Bandwidth) WithIntervallyRefill() Bandwidth {
	b.Policy = Intervally
	return b
}

// WithAlignedRefill returns a copy of b switched to IntervallyAligned with
// windows anchored at the given instant.
func (b Bandwidth) WithAlignedRefill(anchor time.Time) Bandwidth {
	b.Policy = IntervallyAligned
	b.AlignmentNanos = anchor.UnixNano()
	return b
}

// Validate checks the lane invariants.
func (b Bandwidth) Validate() error {
	if b.Capacity <= 0 {
		return ErrNonPositiveCapacity
	}
	if b.RefillPeriodNanos <= 0 {
		return ErrNonPositivePeriod
	}
	if b.RefillTokens < 0 {
		return ErrNegativeRefillTokens
	}
	if b.InitialTokens < 0 || b.InitialTokens > b.Capacity {
		return ErrInitialTokensOutOfRange
	}
	if b.Policy > IntervallyAligned {
		return ErrUnknownRefillPolicy
	}
	return nil
}

func (b Bandwidth) String() string {
	s := fmt.Sprintf("%d/%s (capacity %d, %s)", b.RefillTokens, time.Duration(b.RefillPeriodNanos), b.Capacity, b.Policy)
	if b.ID != "" {
		s = b.ID + ": " + s
	}
	return s
}

// refill regenerates tokens of one lane up to now. A lane never goes back in
// time: when now is not after the last refill nothing changes.
func (b Bandwidth) refill(l Lane, now int64) Lane {
	elapsed := elapsedSat(now, l.LastRefillNanos)
	if elapsed <= 0 {
		return l
	}
	if b.Policy == Greedy {
		return b.refillGreedy(l, now, elapsed)
	}
	return b.refillIntervally(l, elapsed)
}

// refillGreedy keeps the part of elapsed*RefillTokens that did not make up a
// whole token in Remainder, so many short refills add up to one long refill.
func (b Bandwidth) refillGreedy(l Lane, now, elapsed int64) Lane {
	l.LastRefillNanos = now
	if b.RefillTokens == 0 || l.Tokens >= b.Capacity {
		l.Tokens = min(l.Tokens, b.Capacity)
		l.Remainder = 0
		return l
	}
	add, rem, ok := mulAddDiv(elapsed, b.RefillTokens, l.Remainder, b.RefillPeriodNanos)
	if !ok || add >= b.Capacity-l.Tokens {
		l.Tokens = b.Capacity
		l.Remainder = 0
		return l
	}
	l.Tokens += add
	l.Remainder = rem
	return l
}

func (b Bandwidth) refillIntervally(l Lane, elapsed int64) Lane {
	windows := elapsed / b.RefillPeriodNanos
	if windows == 0 {
		return l
	}
	// windows*period <= elapsed, so this cannot overflow
	l.LastRefillNanos += windows * b.RefillPeriodNanos
	l.Tokens = min(b.Capacity, addSat(l.Tokens, mulSat(windows, b.RefillTokens)))
	return l
}

// newLane returns the state of a lane created at now.
func (b Bandwidth) newLane(now int64) Lane {
	l := Lane{Tokens: b.InitialTokens, LastRefillNanos: now}
	if b.Policy == IntervallyAligned {
		l.LastRefillNanos = b.alignedWindowStart(now)
	}
	return l
}

// alignedWindowStart returns the start of the aligned window containing now.
func (b Bandwidth) alignedWindowStart(now int64) int64 {
	k := floorDiv(now-b.AlignmentNanos, b.RefillPeriodNanos)
	return b.AlignmentNanos + k*b.RefillPeriodNanos
}

// nanosToWait returns how long the lane needs, from now, until it holds at
// least tokens. math.MaxInt64 means never. The lane must be refilled up to now.
func (b Bandwidth) nanosToWait(l Lane, tokens, now int64) int64 {
	deficit := tokens - l.Tokens
	if deficit <= 0 {
		return 0
	}
	if tokens > b.Capacity || b.RefillTokens == 0 {
		return math.MaxInt64
	}
	if b.Policy == Greedy {
		return mulSubDivCeil(deficit, b.RefillPeriodNanos, l.Remainder, b.RefillTokens)
	}
	windows := deficit / b.RefillTokens
	if deficit%b.RefillTokens != 0 {
		windows++
	}
	sinceWindowStart := elapsedSat(now, l.LastRefillNanos)
	if sinceWindowStart < 0 {
		sinceWindowStart = 0
	}
	wait := mulSat(windows, b.RefillPeriodNanos)
	if wait == math.MaxInt64 {
		return wait
	}
	return max(0, wait-sinceWindowStart)
}
