package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeHashes emulates the bucket hashes and the two scripts the Redis
// adapters send, so they run without a server.
type fakeHashes struct {
	mu     sync.Mutex
	hashes map[string]fakeHash
	calls  []string
}

type fakeHash struct {
	state    string
	version  int64
	ttlMilli int64
}

func newFakeHashes() *fakeHashes {
	return &fakeHashes{hashes: make(map[string]fakeHash)}
}

func scriptSHA(script string) string {
	sum := sha1.Sum([]byte(script))
	return hex.EncodeToString(sum[:])
}

func (f *fakeHashes) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeHashes) get(key string) (fakeHash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	return h, ok
}

// cas mirrors casScript.
func (f *fakeHashes) cas(key string, expected int64, state string, ttl int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, exists := f.hashes[key]
	if expected == 0 && exists {
		return 0
	}
	if expected != 0 && (!exists || current.version != expected) {
		return 0
	}
	f.hashes[key] = fakeHash{state: state, version: expected + 1, ttlMilli: max(ttl, 0)}
	return 1
}

func (f *fakeHashes) del(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hashes[key]; !ok {
		return 0
	}
	delete(f.hashes, key)
	return 1
}

// radixHandler serves a radix.Stub connection.
func (f *fakeHashes) radixHandler(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	f.record(cmd)
	switch cmd {
	case "EVALSHA", "EVAL":
		script, keys := args[1], args[3:]
		switch script {
		case fetchScript, scriptSHA(fetchScript):
			h, ok := f.get(keys[0])
			if !ok {
				return []string{}
			}
			return []string{h.state, strconv.FormatInt(h.version, 10)}
		case casScript, scriptSHA(casScript):
			expected, _ := strconv.ParseInt(keys[1], 10, 64)
			ttl, _ := strconv.ParseInt(keys[3], 10, 64)
			return f.cas(keys[0], expected, keys[2], ttl)
		}
	case "DEL":
		return f.del(args[1])
	}
	return fmt.Errorf("unexpected command %v", args)
}

// redisHook answers go-redis commands before they reach the network.
type redisHook struct {
	hashes *fakeHashes
}

func (redisHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (redisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h redisHook) ProcessHook(_ redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		args := cmd.Args()
		h.hashes.record(cmd.Name())
		switch c := cmd.(type) {
		case *redis.SliceCmd: // HMGET key state version
			hash, ok := h.hashes.get(fmt.Sprint(args[1]))
			if !ok {
				c.SetVal([]interface{}{nil, nil})
				return nil
			}
			c.SetVal([]interface{}{hash.state, strconv.FormatInt(hash.version, 10)})
		case *redis.Cmd: // EVALSHA sha numkeys key expected state ttl
			if args[1] != scriptSHA(casScript) {
				return fmt.Errorf("unexpected script %v", args[1])
			}
			state, _ := args[5].([]byte)
			c.SetVal(h.hashes.cas(fmt.Sprint(args[3]), args[4].(int64), string(state), args[6].(int64)))
		case *redis.IntCmd: // DEL key
			c.SetVal(h.hashes.del(fmt.Sprint(args[1])))
		default:
			return fmt.Errorf("unexpected command %v", args)
		}
		return nil
	}
}
