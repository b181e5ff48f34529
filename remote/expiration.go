package remote

import (
	"fmt"
	"math"
	"time"

	"github.com/K-jun98/bucket4j/core"
)

// ExpirationMode selects how the expiration hint of a write is computed.
type ExpirationMode uint8

const (
	// ExpireNever asks the backend to keep the bucket forever.
	ExpireNever ExpirationMode = iota
	// ExpireFixed uses the same TTL for every write.
	ExpireFixed
	// ExpireAfterRefill keeps the bucket until every lane is full again, plus a margin.
	ExpireAfterRefill
)

// MinRefillTTL is the lower bound of refill based hints.
const MinRefillTTL = time.Millisecond

// Expiration computes the TTL passed to the backend with each write. The hint
// is advisory: a bucket that expired is recreated from its configuration.
type Expiration struct {
	Mode  ExpirationMode `json:"mode"`
	Nanos int64          `json:"nanos,omitempty"`
}

// NoExpiration never expires buckets.
func NoExpiration() Expiration {
	return Expiration{Mode: ExpireNever}
}

// FixedExpiration expires a bucket ttl after its last write.
func FixedExpiration(ttl time.Duration) Expiration {
	return Expiration{Mode: ExpireFixed, Nanos: int64(ttl)}
}

// ExpireAfterFullRefill expires a bucket keep after the moment it would be
// full again.
func ExpireAfterFullRefill(keep time.Duration) Expiration {
	return Expiration{Mode: ExpireAfterRefill, Nanos: int64(keep)}
}

// Validate rejects unknown modes and negative durations.
func (x Expiration) Validate() error {
	if x.Mode > ExpireAfterRefill {
		return fmt.Errorf("%w: unknown expiration mode %d", core.ErrInvalidConfiguration, x.Mode)
	}
	if x.Nanos < 0 {
		return fmt.Errorf("%w: negative expiration %s", core.ErrInvalidConfiguration, time.Duration(x.Nanos))
	}
	if x.Mode == ExpireFixed && x.Nanos == 0 {
		return fmt.Errorf("%w: fixed expiration needs a positive ttl", core.ErrInvalidConfiguration)
	}
	return nil
}

// TTL returns the hint for writing s at now. Zero means no expiry.
func (x Expiration) TTL(s Snapshot, now int64) time.Duration {
	switch x.Mode {
	case ExpireFixed:
		return time.Duration(max(x.Nanos, 0))
	case ExpireAfterRefill:
		st := s.State.Clone()
		st.Refill(s.Configuration, now)
		toFull := st.NanosToFull(s.Configuration, now)
		if toFull == math.MaxInt64 {
			return 0
		}
		ttl := toFull
		if x.Nanos > math.MaxInt64-ttl {
			ttl = math.MaxInt64
		} else {
			ttl += x.Nanos
		}
		return max(time.Duration(ttl), MinRefillTTL)
	}
	return 0
}

func (x Expiration) String() string {
	switch x.Mode {
	case ExpireFixed:
		return "fixed(" + time.Duration(x.Nanos).String() + ")"
	case ExpireAfterRefill:
		return "after-refill(+" + time.Duration(x.Nanos).String() + ")"
	}
	return "never"
}
