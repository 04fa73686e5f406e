package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeClient is an in-memory cmdable. failures is a queue of errors
// returned ahead of real work, one per call.
type fakeClient struct {
	kv       map[string]string
	hashes   map[string]map[string]string
	failures []error
	calls    int
	closed   bool
	password string
}

func newFakeClient(password string) *fakeClient {
	return &fakeClient{
		kv:       make(map[string]string),
		hashes:   make(map[string]map[string]string),
		password: password,
	}
}

func (f *fakeClient) nextFailure() error {
	f.calls++
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewStringResult("", err)
	}
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewStatusResult("", err)
	}
	f.kv[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewMapStringStringResult(nil, err)
	}
	return redis.NewMapStringStringResult(f.hashes[key], nil)
}

func (f *fakeClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	for _, k := range keys {
		delete(f.kv, k)
		delete(f.hashes, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeClient) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	if err := f.nextFailure(); err != nil {
		return redis.NewBoolResult(false, err)
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type rotatingCreds struct {
	tokens []string
	idx    int
}

func (r *rotatingCreds) Fetch(context.Context) (Credential, error) {
	token := r.tokens[r.idx]
	if r.idx < len(r.tokens)-1 {
		r.idx++
	}
	return Credential{Token: token}, nil
}

type testHarness struct {
	store   *Store
	clients []*fakeClient
	modes   []Mode
	next    *fakeClient
}

func newHarness(t *testing.T, creds CredentialProvider) *testHarness {
	t.Helper()
	h := &testHarness{}
	s, err := New(Config{Addr: "localhost:6379", RetryBaseWait: time.Millisecond}, creds, nil)
	if err == nil {
		// Replace the real client built by New with a fake before any
		// command runs.
		_ = s.client.Close()
	} else {
		t.Fatalf("new store: %v", err)
	}
	s.newClient = func(mode Mode, cred Credential) (cmdable, error) {
		c := newFakeClient(cred.Token)
		if h.next != nil {
			c = h.next
			h.next = nil
			c.password = cred.Token
		}
		h.clients = append(h.clients, c)
		h.modes = append(h.modes, mode)
		return c, nil
	}
	first := newFakeClient("")
	h.clients = append(h.clients, first)
	h.modes = append(h.modes, ModeSingle)
	s.client = first
	h.store = s
	return h
}

func (h *testHarness) current() *fakeClient {
	return h.clients[len(h.clients)-1]
}

func TestSetThenGet(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	if err := h.store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := h.store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v" {
		t.Fatalf("got %q, want v", got)
	}
}

func TestGet_Missing(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	_, err := h.store.Get(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthFailure_RebuildsWithFreshCredentialAndRetries(t *testing.T) {
	creds := &rotatingCreds{tokens: []string{"expired", "fresh"}}
	h := newHarness(t, creds)
	ctx := context.Background()

	old := h.current()
	old.kv["k"] = "v"
	old.failures = []error{errors.New("NOAUTH Authentication required")}
	// The rebuilt client must see the data the old one held.
	replacement := newFakeClient("")
	replacement.kv["k"] = "v"
	h.next = replacement

	got, err := h.store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after auth failure: %v", err)
	}
	if got != "v" {
		t.Fatalf("got %q", got)
	}
	if !old.closed {
		t.Fatalf("stale client was not closed")
	}
	if h.current().password != "fresh" {
		t.Fatalf("rebuilt with password %q, want fresh", h.current().password)
	}
}

func TestTopologyError_FlipsModeAndRebuilds(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	h.current().failures = []error{errors.New("MOVED 3999 10.0.0.2:6381")}
	replacement := newFakeClient("")
	replacement.kv["k"] = "v"
	h.next = replacement

	got, err := h.store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after MOVED: %v", err)
	}
	if got != "v" {
		t.Fatalf("got %q", got)
	}
	if h.modes[len(h.modes)-1] != ModeCluster {
		t.Fatalf("rebuild mode = %s, want cluster", h.modes[len(h.modes)-1])
	}
}

func TestTransientErrors_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	c := h.current()
	c.kv["k"] = "v"
	c.failures = []error{
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
	}

	got, err := h.store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v" {
		t.Fatalf("got %q", got)
	}
}

func TestTransientErrors_ExhaustionSurfaces(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	c := h.current()
	for i := 0; i < 10; i++ {
		c.failures = append(c.failures, errors.New("dial tcp: connection refused"))
	}

	_, err := h.store.Get(ctx, "k")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
}

func TestGetHash_StaleCopyOnExhaustion(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	if err := h.store.SetHash(ctx, "s1", map[string]string{"bot_speaking": "true"}); err != nil {
		t.Fatalf("set hash: %v", err)
	}

	c := h.current()
	for i := 0; i < 10; i++ {
		c.failures = append(c.failures, errors.New("i/o timeout"))
	}

	got, err := h.store.GetHash(ctx, "s1")
	if !errors.Is(err, ErrStaleRead) {
		t.Fatalf("err = %v, want ErrStaleRead", err)
	}
	if got["bot_speaking"] != "true" {
		t.Fatalf("stale copy = %v", got)
	}
}

func TestSetHashThenGetHash(t *testing.T) {
	h := newHarness(t, StaticCredential("pw"))
	ctx := context.Background()

	fields := map[string]string{"interrupt_count": "2", "bot_speaking": "false"}
	if err := h.store.SetHash(ctx, "s1", fields); err != nil {
		t.Fatalf("set hash: %v", err)
	}
	got, err := h.store.GetHash(ctx, "s1")
	if err != nil {
		t.Fatalf("get hash: %v", err)
	}
	for k, v := range fields {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}

	if err := h.store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = h.store.GetHash(ctx, "s1")
	if err != nil {
		t.Fatalf("get hash after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("hash not deleted: %v", got)
	}
}

func TestKeys(t *testing.T) {
	if SessionKey("abc") != "session:abc" {
		t.Fatalf("session key = %q", SessionKey("abc"))
	}
	if MappingKey("phone", "+15550100") != "phone:+15550100" {
		t.Fatalf("mapping key = %q", MappingKey("phone", "+15550100"))
	}
}
