package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustConfig(t *testing.T, bws ...Bandwidth) Configuration {
	t.Helper()
	c, err := NewConfiguration(bws...)
	require.NoError(t, err)
	return c
}

func TestNewConfiguration_Validation(t *testing.T) {
	_, err := NewConfiguration()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ErrEmptyConfiguration)

	_, err = NewConfiguration(Simple(10, time.Second), Simple(0, time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ErrNonPositiveCapacity)

	_, err = NewConfiguration(Simple(10, time.Second).WithID("a"), Simple(5, time.Minute).WithID("a"))
	assert.ErrorIs(t, err, ErrDuplicateBandwidthID)

	c, err := NewConfiguration(Simple(10, time.Second).WithID("a"), Simple(5, time.Minute))
	require.NoError(t, err)
	assert.Len(t, c.Bandwidths, 2)
}

// Capacity 10, 10 tokens per second, starting full.
func TestState_ReferenceScenario(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	s := NewState(c, 0)

	probe := s.TryConsume(c, 7, 0)
	assert.True(t, probe.Consumed)
	assert.Equal(t, int64(10), probe.AvailableBefore)
	assert.Equal(t, int64(3), probe.Remaining)

	probe = s.TryConsume(c, 5, 0)
	assert.False(t, probe.Consumed)
	assert.Equal(t, int64(3), probe.Remaining)
	assert.Equal(t, int64(200*time.Millisecond), probe.NanosToWaitForRefill)

	s.Refill(c, int64(500*time.Millisecond))
	assert.Equal(t, int64(8), s.AvailableTokens())

	s.Refill(c, int64(time.Second))
	assert.Equal(t, int64(10), s.AvailableTokens())
}

func TestState_FailedTryConsumeIsIdempotent(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	s := NewState(c, 0)
	require.True(t, s.Consume(8))
	before := s.Clone()

	for i := 0; i < 5; i++ {
		probe := s.TryConsume(c, 3, 0)
		assert.False(t, probe.Consumed)
	}
	assert.Equal(t, before, s)
}

func TestState_MultiBandwidthConsumesAllLanes(t *testing.T) {
	c := mustConfig(t,
		Simple(10, time.Second).WithID("burst"),
		Simple(100, time.Minute).WithID("sustained").WithInitialTokens(4),
	)
	s := NewState(c, 0)
	assert.Equal(t, int64(4), s.AvailableTokens())

	assert.True(t, s.Consume(3))
	assert.Equal(t, int64(7), s.Lanes[0].Tokens)
	assert.Equal(t, int64(1), s.Lanes[1].Tokens)

	// the sustained lane cannot supply two tokens, nothing is debited
	assert.False(t, s.Consume(2))
	assert.Equal(t, int64(7), s.Lanes[0].Tokens)
	assert.Equal(t, int64(1), s.Lanes[1].Tokens)
}

func TestState_TryConsumeWaitIsMaxAcrossLanes(t *testing.T) {
	c := mustConfig(t,
		Simple(10, time.Second),
		Simple(10, time.Minute),
	)
	s := NewState(c, 0)
	require.True(t, s.Consume(10))

	probe := s.TryConsume(c, 1, 0)
	assert.False(t, probe.Consumed)
	assert.Equal(t, int64(6*time.Second), probe.NanosToWaitForRefill)
	assert.Equal(t, int64(time.Minute), probe.NanosToWaitForReset)
}

func TestState_TryConsumeMoreThanCapacity(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	s := NewState(c, 0)
	probe := s.TryConsume(c, 11, 0)
	assert.False(t, probe.Consumed)
	assert.Equal(t, int64(math.MaxInt64), probe.NanosToWaitForRefill)
	assert.Equal(t, int64(10), s.AvailableTokens())
}

func TestState_ConsumeAsMuchAsPossible(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	s := NewState(c, 0)

	assert.Equal(t, int64(4), s.ConsumeAsMuchAsPossible(4))
	assert.Equal(t, int64(6), s.ConsumeAsMuchAsPossible(math.MaxInt64))
	assert.Equal(t, int64(0), s.ConsumeAsMuchAsPossible(math.MaxInt64))
	assert.Equal(t, int64(0), s.AvailableTokens())
}

func TestState_AddTokensClampsToCapacity(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second), Simple(20, time.Second))
	s := NewState(c, 0)
	require.True(t, s.Consume(9))

	s.AddTokens(c, 5)
	assert.Equal(t, int64(6), s.Lanes[0].Tokens)
	assert.Equal(t, int64(16), s.Lanes[1].Tokens)

	s.AddTokens(c, math.MaxInt64)
	assert.Equal(t, int64(10), s.Lanes[0].Tokens)
	assert.Equal(t, int64(20), s.Lanes[1].Tokens)
}

func TestState_Reset(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second).WithInitialTokens(2))
	s := NewState(c, 0)
	s.AddTokens(c, 8)
	s.Refill(c, 1)
	require.NotZero(t, s.Lanes[0].Remainder+s.Lanes[0].Tokens)

	s.Reset(c)
	assert.Equal(t, int64(2), s.Lanes[0].Tokens)
	assert.Zero(t, s.Lanes[0].Remainder)
}

func TestState_EstimateDoesNotMutate(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	s := NewState(c, 0)
	require.True(t, s.Consume(10))
	before := s.Clone()

	est := s.Estimate(c, 5, int64(200*time.Millisecond))
	assert.False(t, est.CanBeConsumed)
	assert.Equal(t, int64(2), est.Remaining)
	assert.Equal(t, int64(300*time.Millisecond), est.NanosToWaitForRefill)
	assert.Equal(t, before, s)

	est = s.Estimate(c, 5, int64(time.Second))
	assert.True(t, est.CanBeConsumed)
	assert.Zero(t, est.NanosToWaitForRefill)
}

func TestState_Validate(t *testing.T) {
	c := mustConfig(t, Simple(10, time.Second))
	assert.NoError(t, NewState(c, 0).Validate(c))

	assert.ErrorIs(t, State{}.Validate(c), ErrStateMismatch)
	assert.ErrorIs(t, State{Lanes: []Lane{{Tokens: 11}}}.Validate(c), ErrStateMismatch)
	assert.ErrorIs(t, State{Lanes: []Lane{{Tokens: -1}}}.Validate(c), ErrStateMismatch)
	assert.ErrorIs(t, State{Lanes: []Lane{{Remainder: second}}}.Validate(c), ErrStateMismatch)
}

func TestState_Replace(t *testing.T) {
	prev := mustConfig(t, Simple(100, time.Minute).WithID("minute"), Simple(10, time.Second).WithID("second"))
	s := NewState(prev, 0)
	require.True(t, s.Consume(6)) // minute=94, second=4

	next := mustConfig(t, Simple(5, time.Second).WithID("second"), Simple(200, time.Minute).WithID("minute"))

	tests := []struct {
		name     string
		strategy TokensInheritance
		want     []int64
	}{
		{name: "reset", strategy: InheritReset, want: []int64{5, 200}},
		{name: "as is", strategy: InheritAsIs, want: []int64{4, 94}},
		{name: "proportionally", strategy: InheritProportionally, want: []int64{2, 188}},
		{name: "additive", strategy: InheritAdditive, want: []int64{4, 194}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Replace(prev, next, tt.strategy, 0)
			require.Len(t, got.Lanes, 2)
			assert.Equal(t, tt.want[0], got.Lanes[0].Tokens)
			assert.Equal(t, tt.want[1], got.Lanes[1].Tokens)
			assert.NoError(t, got.Validate(next))
		})
	}
}

func TestState_ReplaceByPositionWithoutIDs(t *testing.T) {
	prev := mustConfig(t, Simple(10, time.Second))
	s := NewState(prev, 0)
	require.True(t, s.Consume(7))

	next := mustConfig(t, Simple(20, time.Second), Simple(50, time.Minute))
	got := s.Replace(prev, next, InheritAsIs, 0)
	assert.Equal(t, int64(3), got.Lanes[0].Tokens)
	assert.Equal(t, int64(50), got.Lanes[1].Tokens)
}
