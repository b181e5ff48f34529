package remote

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestFormat is the version tag of requests and responses exchanged with
// server-side executors.
const RequestFormat = 1

type commandWire struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type requestEnvelope struct {
	Format     int         `json:"format"`
	Command    commandWire `json:"command"`
	NowNanos   int64       `json:"now_nanos"`
	Expiration Expiration  `json:"expiration"`
}

type responseEnvelope struct {
	Format         int             `json:"format"`
	Value          json.RawMessage `json:"value,omitempty"`
	BucketNotFound bool            `json:"bucket_not_found,omitempty"`
	Mutation       Mutation        `json:"mutation"`
	Error          string          `json:"error,omitempty"`
}

func toWire(cmd executable) (commandWire, error) {
	params, err := json.Marshal(cmd)
	if err != nil {
		return commandWire{}, fmt.Errorf("%w: encode %s: %w", ErrSerialization, cmd.Kind(), err)
	}
	return commandWire{Kind: cmd.Kind().String(), Params: params}, nil
}

func decodeParams[C executable](raw json.RawMessage) (executable, error) {
	var cmd C
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrSerialization, cmd.Kind(), err)
		}
	}
	return cmd, nil
}

func fromWire(w commandWire) (executable, error) {
	kind, err := parseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindCreateInitialState:
		return decodeParams[CreateInitialState](w.Params)
	case KindCreateInitialStateAndExecute:
		var p createAndExecuteWire
		if err := json.Unmarshal(w.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrSerialization, kind, err)
		}
		if p.Target.Kind == KindCreateInitialStateAndExecute.String() {
			return nil, fmt.Errorf("%w: nested %s", ErrSerialization, kind)
		}
		target, err := fromWire(p.Target)
		if err != nil {
			return nil, err
		}
		return createAndExecuteAny{Configuration: p.Configuration, Target: target}, nil
	case KindGetConfiguration:
		return decodeParams[GetConfiguration](w.Params)
	case KindGetAvailableTokens:
		return decodeParams[GetAvailableTokens](w.Params)
	case KindTryConsume:
		return decodeParams[TryConsume](w.Params)
	case KindConsumeAsMuchAsPossible:
		return decodeParams[ConsumeAsMuchAsPossible](w.Params)
	case KindAddTokens:
		return decodeParams[AddTokens](w.Params)
	case KindReset:
		return decodeParams[Reset](w.Params)
	case KindReplaceConfiguration:
		return decodeParams[ReplaceConfiguration](w.Params)
	case KindEstimateAbilityToConsume:
		return decodeParams[EstimateAbilityToConsume](w.Params)
	}
	return nil, fmt.Errorf("%w: unsupported command %s", ErrSerialization, kind)
}

// EncodeRequest serializes cmd for a server-side executor. now is the caller's
// clock reading; the executor uses it instead of its own so every client of a
// bucket refills against the same time source.
func EncodeRequest[T any](cmd Command[T], now int64, exp Expiration) ([]byte, error) {
	w, err := toWire(cmd)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(requestEnvelope{
		Format:     RequestFormat,
		Command:    w,
		NowNanos:   now,
		Expiration: exp,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrSerialization, err)
	}
	return data, nil
}

// Outcome is what a server-side executor must apply after Execute.
type Outcome struct {
	// Response goes back to the caller unchanged.
	Response []byte

	// State holds the new persisted bytes, nil when the stored state must be left as is.
	State []byte

	// TTL is the expiration hint for State. Zero means no expiry.
	TTL time.Duration
}

// Changed reports whether the executor must write State.
func (o Outcome) Changed() bool {
	return o.State != nil
}

// Execute runs a serialized request against the stored bytes of one bucket.
// current is nil when the bucket does not exist. Backends that offer atomic
// execution call it while holding the key exclusively.
//
// Malformed requests and corrupt stored state are returned as errors. Command
// failures travel back inside the response and surface from DecodeResult.
func Execute(request, current []byte) (Outcome, error) {
	var req requestEnvelope
	if err := json.Unmarshal(request, &req); err != nil {
		return Outcome{}, fmt.Errorf("%w: decode request: %w", ErrSerialization, err)
	}
	if err := checkFormat("request", req.Format, RequestFormat); err != nil {
		return Outcome{}, err
	}
	cmd, err := fromWire(req.Command)
	if err != nil {
		return Outcome{}, err
	}

	entry := NewEntry(nil)
	if current != nil {
		s, err := DecodeSnapshot(current)
		if err != nil {
			return Outcome{}, err
		}
		entry = NewEntry(&s)
	}

	res, err := runAny(cmd, entry, req.NowNanos)
	if err != nil {
		resp, encErr := encodeResponse(responseEnvelope{Error: err.Error()})
		return Outcome{Response: resp}, encErr
	}

	out := Outcome{}
	if snap, ok := entry.Snapshot(); ok && entry.Changed() {
		if out.State, err = EncodeSnapshot(snap); err != nil {
			return Outcome{}, err
		}
		out.TTL = req.Expiration.TTL(snap, req.NowNanos)
	}

	env := responseEnvelope{BucketNotFound: res.BucketNotFound, Mutation: res.Mutation}
	if !res.BucketNotFound {
		if env.Value, err = json.Marshal(res.Value); err != nil {
			return Outcome{}, fmt.Errorf("%w: encode %s result: %w", ErrSerialization, cmd.Kind(), err)
		}
	}
	out.Response, err = encodeResponse(env)
	return out, err
}

func encodeResponse(env responseEnvelope) ([]byte, error) {
	env.Format = RequestFormat
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode response: %w", ErrSerialization, err)
	}
	return data, nil
}

// DecodeResult parses the response of a server-side executor.
func DecodeResult[T any](data []byte) (Result[T], error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Result[T]{}, fmt.Errorf("%w: decode response: %w", ErrSerialization, err)
	}
	if err := checkFormat("response", env.Format, RequestFormat); err != nil {
		return Result[T]{}, err
	}
	if env.Error != "" {
		return Result[T]{}, fmt.Errorf("%w: %s", ErrCommandFailed, env.Error)
	}
	res := Result[T]{BucketNotFound: env.BucketNotFound, Mutation: env.Mutation}
	if !env.BucketNotFound && len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &res.Value); err != nil {
			return Result[T]{}, fmt.Errorf("%w: decode result value: %w", ErrSerialization, err)
		}
	}
	return res, nil
}
