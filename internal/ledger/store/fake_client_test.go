package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// fakeStoreClient is an in-memory Client that understands the package's Lua
// scripts by identity, so counter semantics can be exercised without a Redis.
// TTLs are recorded, not enforced; staleness tests drive the injected clock
// instead.
type fakeStoreClient struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]int64 // seconds, last value applied per key

	evalErr  error
	getErr   error
	setNXErr error

	// setNXDenials makes the next N SetNX calls report the key as held.
	setNXDenials int
	setNXCalls   int
}

func newFakeStoreClient() *fakeStoreClient {
	return &fakeStoreClient{data: map[string]string{}, ttls: map[string]int64{}}
}

func (f *fakeStoreClient) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStoreClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXCalls++
	if f.setNXErr != nil {
		return false, f.setNXErr
	}
	if f.setNXDenials > 0 {
		f.setNXDenials--
		return false, nil
	}
	if _, exists := f.data[key]; exists {
		return false, nil
	}
	f.data[key] = value
	f.ttls[key] = int64(ttl.Seconds())
	return true, nil
}

func (f *fakeStoreClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	switch script {
	case stampScript:
		f.data[keys[0]] = fmt.Sprint(args[0])
		f.ttls[keys[0]] = argInt64(args[1])
		return int64(1), nil
	case familyReadScript:
		return f.evalFamilyRead(keys, args, 0)
	case dualViewScript:
		return f.evalFamilyRead(keys, args, 3)
	case rehydrateScript:
		n := len(keys) - 1
		ttl := argInt64(args[n])
		for i := 0; i < n; i++ {
			f.data[keys[i]] = fmt.Sprint(args[i])
			f.ttls[keys[i]] = ttl
		}
		f.data[keys[n]] = fmt.Sprint(args[n+1])
		f.ttls[keys[n]] = argInt64(args[n+2])
		return int64(n), nil
	case applyDeltaScript:
		if _, exists := f.data[keys[0]]; !exists {
			return nil, nil
		}
		delta := argInt64(args[0])
		v := f.incr(keys[0], delta)
		f.ttls[keys[0]] = argInt64(args[1])
		if delta > 0 && len(keys) >= 2 {
			if p, err := strconv.ParseInt(f.data[keys[1]], 10, 64); err == nil && p > 0 {
				settle := delta
				if p < settle {
					settle = p
				}
				f.incr(keys[1], -settle)
			}
		}
		return v, nil
	case incrementPendingScript:
		ttl := argInt64(args[len(args)-1])
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = f.incr(k, argInt64(args[i]))
			f.ttls[k] = ttl
		}
		return out, nil
	case decrementPendingScript:
		for i, k := range keys {
			f.incr(k, -argInt64(args[i]))
		}
		return int64(len(keys)), nil
	case unlockScript:
		if f.data[keys[0]] == fmt.Sprint(args[0]) {
			delete(f.data, keys[0])
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("fake client: unknown script")
	}
}

// evalFamilyRead implements the staleness-gated read shared by the family
// and dual-view scripts. keys[0] is the stamp, then the confirmed keys,
// then pendingCount pending keys (dual view only).
func (f *fakeStoreClient) evalFamilyRead(keys []string, args []interface{}, pendingCount int) (interface{}, error) {
	stamp, err := strconv.ParseInt(f.data[keys[0]], 10, 64)
	if err != nil {
		return nil, nil
	}
	if argInt64(args[0])-stamp > argInt64(args[1]) {
		return nil, nil
	}
	var out []interface{}
	for _, k := range keys[1 : len(keys)-pendingCount] {
		v, ok := f.data[k]
		if !ok {
			return nil, nil
		}
		out = append(out, v)
	}
	for _, k := range keys[len(keys)-pendingCount:] {
		v, ok := f.data[k]
		if !ok {
			v = ""
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeStoreClient) incr(key string, delta int64) int64 {
	cur, _ := strconv.ParseInt(f.data[key], 10, 64)
	cur += delta
	f.data[key] = strconv.FormatInt(cur, 10)
	return cur
}

func argInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		p, _ := strconv.ParseInt(n, 10, 64)
		return p
	default:
		return 0
	}
}
