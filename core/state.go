package core

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Configuration is the ordered, non-empty set of bandwidths of one bucket.
// Lane order is fixed at creation and never changes.
type Configuration struct {
	Bandwidths []Bandwidth `json:"bandwidths"`
}

// NewConfiguration builds and validates a configuration.
func NewConfiguration(bandwidths ...Bandwidth) (Configuration, error) {
	c := Configuration{Bandwidths: append([]Bandwidth(nil), bandwidths...)}
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

// Validate checks every bandwidth and the uniqueness of lane ids.
func (c Configuration) Validate() error {
	if len(c.Bandwidths) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, ErrEmptyConfiguration)
	}
	seen := make(map[string]struct{}, len(c.Bandwidths))
	for i, b := range c.Bandwidths {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%w: bandwidth %d: %w", ErrInvalidConfiguration, i, err)
		}
		if b.ID == "" {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("%w: %w: %q", ErrInvalidConfiguration, ErrDuplicateBandwidthID, b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	return Configuration{Bandwidths: append([]Bandwidth(nil), c.Bandwidths...)}
}

// Equal reports whether both configurations define the same lanes in the same order.
func (c Configuration) Equal(o Configuration) bool {
	if len(c.Bandwidths) != len(o.Bandwidths) {
		return false
	}
	for i := range c.Bandwidths {
		if c.Bandwidths[i] != o.Bandwidths[i] {
			return false
		}
	}
	return true
}

func (c Configuration) allIdentified() bool {
	for _, b := range c.Bandwidths {
		if b.ID == "" {
			return false
		}
	}
	return true
}

// Lane is the mutable part of one bandwidth.
type Lane struct {
	Tokens int64 `json:"tokens"`

	// Remainder is the progress towards the next whole token of a greedy lane,
	// in units of token-nanos. Always within [0, RefillPeriodNanos).
	Remainder int64 `json:"remainder"`

	LastRefillNanos int64 `json:"last_refill_nanos"`
}

// State holds one Lane per bandwidth, aligned positionally with the Configuration.
type State struct {
	Lanes []Lane `json:"lanes"`
}

// NewState returns the state of a bucket created at now: every lane holds its initial tokens.
func NewState(c Configuration, now int64) State {
	s := State{Lanes: make([]Lane, len(c.Bandwidths))}
	for i, b := range c.Bandwidths {
		s.Lanes[i] = b.newLane(now)
	}
	return s
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{Lanes: append([]Lane(nil), s.Lanes...)}
}

// Validate checks that the state lines up with c and every lane is within bounds.
func (s State) Validate(c Configuration) error {
	if len(s.Lanes) != len(c.Bandwidths) {
		return fmt.Errorf("%w: %d lanes for %d bandwidths", ErrStateMismatch, len(s.Lanes), len(c.Bandwidths))
	}
	for i, l := range s.Lanes {
		b := c.Bandwidths[i]
		if l.Tokens < 0 || l.Tokens > b.Capacity {
			return fmt.Errorf("%w: lane %d holds %d tokens, capacity %d", ErrStateMismatch, i, l.Tokens, b.Capacity)
		}
		if l.Remainder < 0 || l.Remainder >= b.RefillPeriodNanos {
			return fmt.Errorf("%w: lane %d remainder %d out of range", ErrStateMismatch, i, l.Remainder)
		}
	}
	return nil
}

// Refill regenerates every lane up to now. Calling it twice with the same
// timestamp changes nothing the second time.
func (s *State) Refill(c Configuration, now int64) {
	for i, b := range c.Bandwidths {
		s.Lanes[i] = b.refill(s.Lanes[i], now)
	}
}

// AvailableTokens is the minimum across lanes.
func (s State) AvailableTokens() int64 {
	available := int64(math.MaxInt64)
	for _, l := range s.Lanes {
		available = min(available, l.Tokens)
	}
	return available
}

// Consume removes tokens from every lane if all of them can supply the amount.
// Nothing is debited otherwise.
func (s *State) Consume(tokens int64) bool {
	if tokens <= 0 || s.AvailableTokens() < tokens {
		return false
	}
	for i := range s.Lanes {
		s.Lanes[i].Tokens -= tokens
	}
	return true
}

// ConsumeAsMuchAsPossible takes min(available, limit) tokens and returns the amount taken.
func (s *State) ConsumeAsMuchAsPossible(limit int64) int64 {
	n := min(s.AvailableTokens(), limit)
	if n <= 0 {
		return 0
	}
	s.Consume(n)
	return n
}

// ConsumptionProbe reports the outcome of TryConsume.
type ConsumptionProbe struct {
	Consumed        bool  `json:"consumed"`
	AvailableBefore int64 `json:"available_before"`
	Remaining       int64 `json:"remaining"`

	// NanosToWaitForRefill is zero when Consumed, otherwise the minimal delay
	// after which the request could succeed. math.MaxInt64 means never.
	NanosToWaitForRefill int64 `json:"nanos_to_wait_for_refill"`

	// NanosToWaitForReset is the delay until every lane is full again.
	NanosToWaitForReset int64 `json:"nanos_to_wait_for_reset"`
}

// TryConsume refills up to now and then consumes tokens when every lane can
// supply them. It never sleeps, it only reports the delay.
func (s *State) TryConsume(c Configuration, tokens, now int64) ConsumptionProbe {
	s.Refill(c, now)
	probe := ConsumptionProbe{AvailableBefore: s.AvailableTokens()}
	if s.Consume(tokens) {
		probe.Consumed = true
	} else {
		probe.NanosToWaitForRefill = s.nanosToWait(c, tokens, now)
	}
	probe.Remaining = s.AvailableTokens()
	probe.NanosToWaitForReset = s.NanosToFull(c, now)
	return probe
}

// EstimationProbe reports whether tokens could be consumed without consuming them.
type EstimationProbe struct {
	CanBeConsumed        bool  `json:"can_be_consumed"`
	Remaining            int64 `json:"remaining"`
	NanosToWaitForRefill int64 `json:"nanos_to_wait_for_refill"`
}

// Estimate works on a copy; s is left untouched.
func (s State) Estimate(c Configuration, tokens, now int64) EstimationProbe {
	cp := s.Clone()
	cp.Refill(c, now)
	wait := cp.nanosToWait(c, tokens, now)
	return EstimationProbe{
		CanBeConsumed:        wait == 0,
		Remaining:            cp.AvailableTokens(),
		NanosToWaitForRefill: wait,
	}
}

func (s State) nanosToWait(c Configuration, tokens, now int64) int64 {
	var wait int64
	for i, b := range c.Bandwidths {
		wait = max(wait, b.nanosToWait(s.Lanes[i], tokens, now))
	}
	return wait
}

// NanosToFull returns the delay after which every lane reaches capacity.
// math.MaxInt64 means some lane never refills.
func (s State) NanosToFull(c Configuration, now int64) int64 {
	var wait int64
	for i, b := range c.Bandwidths {
		wait = max(wait, b.nanosToWait(s.Lanes[i], b.Capacity, now))
	}
	return wait
}

// AddTokens increases every lane, clamped to its capacity.
func (s *State) AddTokens(c Configuration, tokens int64) {
	for i, b := range c.Bandwidths {
		s.Lanes[i].Tokens = min(b.Capacity, addSat(s.Lanes[i].Tokens, tokens))
	}
}

// Reset sets every lane back to its initial tokens.
func (s *State) Reset(c Configuration) {
	for i, b := range c.Bandwidths {
		s.Lanes[i].Tokens = b.InitialTokens
		s.Lanes[i].Remainder = 0
	}
}

// TokensInheritance decides how tokens move from an old configuration to a new one.
type TokensInheritance uint8

const (
	// InheritReset starts every lane of the new configuration at its initial tokens.
	InheritReset TokensInheritance = iota
	// InheritAsIs keeps the token count, clamped to the new capacity.
	InheritAsIs
	// InheritProportionally scales tokens by new capacity / old capacity.
	InheritProportionally
	// InheritAdditive adds the capacity growth to the current tokens.
	InheritAdditive
)

func (t TokensInheritance) String() string {
	switch t {
	case InheritReset:
		return "reset"
	case InheritAsIs:
		return "as_is"
	case InheritProportionally:
		return "proportionally"
	case InheritAdditive:
		return "additive"
	}
	return fmt.Sprintf("TokensInheritance(%d)", uint8(t))
}

// ParseTokensInheritance is the inverse of TokensInheritance.String. An empty
// string means InheritAsIs.
func ParseTokensInheritance(s string) (TokensInheritance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reset":
		return InheritReset, nil
	case "", "as_is", "as-is":
		return InheritAsIs, nil
	case "proportionally":
		return InheritProportionally, nil
	case "additive":
		return InheritAdditive, nil
	}
	return 0, fmt.Errorf("%w: unknown tokens inheritance %q", ErrInvalidConfiguration, s)
}

func (t TokensInheritance) MarshalText() ([]byte, error) {
	if t > InheritAdditive {
		return nil, fmt.Errorf("%w: unknown tokens inheritance %d", ErrInvalidConfiguration, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *TokensInheritance) UnmarshalText(text []byte) error {
	parsed, err := ParseTokensInheritance(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Replace returns the state for next, derived from s under prev. s must be refilled up to now.
// Lanes are matched by id when every bandwidth of both configurations has one,
// otherwise by position. Unmatched lanes start fresh.
func (s State) Replace(prev, next Configuration, strategy TokensInheritance, now int64) State {
	byID := prev.allIdentified() && next.allIdentified()
	index := make(map[string]int, len(prev.Bandwidths))
	if byID {
		for i, b := range prev.Bandwidths {
			index[b.ID] = i
		}
	}

	out := State{Lanes: make([]Lane, len(next.Bandwidths))}
	for i, nb := range next.Bandwidths {
		lane := nb.newLane(now)
		j, ok := i, i < len(prev.Bandwidths)
		if byID {
			j, ok = index[nb.ID]
		}
		if ok && strategy != InheritReset {
			lane.Tokens = inherit(strategy, s.Lanes[j].Tokens, prev.Bandwidths[j].Capacity, nb.Capacity)
		}
		out.Lanes[i] = lane
	}
	return out
}

func inherit(strategy TokensInheritance, tokens, prevCapacity, nextCapacity int64) int64 {
	switch strategy {
	case InheritProportionally:
		hi, lo := bits.Mul64(uint64(tokens), uint64(nextCapacity))
		q, _ := bits.Div64(hi, lo, uint64(prevCapacity))
		return min(int64(q), nextCapacity)
	case InheritAdditive:
		if nextCapacity > prevCapacity {
			tokens = addSat(tokens, nextCapacity-prevCapacity)
		}
	}
	return min(tokens, nextCapacity)
}
