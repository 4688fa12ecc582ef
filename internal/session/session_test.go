package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/coltlink/internal/rpc"
)

type call struct {
	method string
	params []any
}

// scriptedCaller returns canned responses per method and records every call.
type scriptedCaller struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]json.RawMessage
	errs      map[string]error
}

func (c *scriptedCaller) Invoke(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{method: method, params: params})
	if err := c.errs[method]; err != nil {
		return nil, err
	}
	return c.responses[method], nil
}

func (c *scriptedCaller) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.calls {
		if cl.method == method {
			n++
		}
	}
	return n
}

func tokenCaller(token string) *scriptedCaller {
	return &scriptedCaller{responses: map[string]json.RawMessage{
		rpc.MethodObtainAuthToken: json.RawMessage(token),
	}}
}

func reply(code string, prefs Preferences) Prompter {
	return PrompterFunc(func(context.Context, Preferences) (Reply, error) {
		return Reply{ShortCode: code, Preferences: prefs}, nil
	})
}

func TestExchange_Success(t *testing.T) {
	caller := tokenCaller(`"tok-1"`)
	store := &MemoryStore{}
	m := New(caller, reply("ABCD", Preferences{AutoRun: true}), WithStore(store), WithClientName("tester"))

	token, err := m.Exchange(context.Background())
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if token != "tok-1" || m.Token() != "tok-1" {
		t.Errorf("token = %q, Token() = %q", token, m.Token())
	}
	if saved, _ := store.LoadToken(); saved != "tok-1" {
		t.Errorf("stored token = %q", saved)
	}
	if !m.Preferences().AutoRun {
		t.Error("preferences from prompt not kept")
	}

	if len(caller.calls) != 2 {
		t.Fatalf("calls = %+v", caller.calls)
	}
	first := caller.calls[0]
	if first.method != rpc.MethodRequestShortCode || len(first.params) != 1 || first.params[0] != "tester" {
		t.Errorf("first call = %+v", first)
	}
	second := caller.calls[1]
	if second.method != rpc.MethodObtainAuthToken || second.params[0] != "ABCD" {
		t.Errorf("second call = %+v", second)
	}
}

func TestExchange_NumericToken(t *testing.T) {
	m := New(tokenCaller(`12345`), reply("1234", Preferences{}))

	token, err := m.Exchange(context.Background())
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if token != "12345" {
		t.Errorf("token = %q, want 12345", token)
	}
}

func TestExchange_RejectedCodes(t *testing.T) {
	for _, code := range []string{"", "ABC", "ABCDE"} {
		t.Run(code, func(t *testing.T) {
			caller := tokenCaller(`"tok"`)
			m := New(caller, reply(code, Preferences{InterceptBuilds: true}))

			_, err := m.Exchange(context.Background())
			if !errors.Is(err, ErrShortCodeRejected) {
				t.Errorf("err = %v, want ErrShortCodeRejected", err)
			}
			if m.Token() != "" {
				t.Errorf("token = %q, want empty", m.Token())
			}
			if caller.count(rpc.MethodObtainAuthToken) != 0 {
				t.Error("obtainAuthToken called for a rejected code")
			}
			if !m.Preferences().InterceptBuilds {
				t.Error("preferences should be kept regardless of the code")
			}
		})
	}
}

func TestExchange_NullToken(t *testing.T) {
	m := New(tokenCaller(`null`), reply("ABCD", Preferences{}))

	if _, err := m.Exchange(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestExchange_RequestShortCodeFails(t *testing.T) {
	caller := &scriptedCaller{errs: map[string]error{
		rpc.MethodRequestShortCode: &rpc.Error{Kind: rpc.KindTransport, Message: "down"},
	}}
	prompted := false
	m := New(caller, PrompterFunc(func(context.Context, Preferences) (Reply, error) {
		prompted = true
		return Reply{}, nil
	}))

	if _, err := m.Exchange(context.Background()); rpc.KindOf(err) != rpc.KindTransport {
		t.Errorf("err = %v, want transport error", err)
	}
	if prompted {
		t.Error("user prompted although the service never issued a code")
	}
}

func TestEnsureAuthenticated(t *testing.T) {
	caller := tokenCaller(`"tok"`)
	store := &MemoryStore{}
	_ = store.SaveToken("persisted")

	m := New(caller, reply("ABCD", Preferences{}), WithStore(store))
	token, err := m.EnsureAuthenticated(context.Background())
	if err != nil || token != "persisted" {
		t.Fatalf("EnsureAuthenticated = %q, %v", token, err)
	}
	if len(caller.calls) != 0 {
		t.Errorf("exchange ran although a token was stored")
	}

	empty := New(caller, reply("ABCD", Preferences{}))
	token, err = empty.EnsureAuthenticated(context.Background())
	if err != nil || token != "tok" {
		t.Fatalf("EnsureAuthenticated = %q, %v", token, err)
	}
}

func TestOnAuthError(t *testing.T) {
	t.Run("non-auth errors are ignored", func(t *testing.T) {
		caller := tokenCaller(`"new"`)
		store := &MemoryStore{}
		_ = store.SaveToken("old")
		m := New(caller, reply("ABCD", Preferences{}), WithStore(store))

		for _, err := range []error{
			errors.New("plain"),
			&rpc.Error{Kind: rpc.KindGeneric, TypeName: "java.lang.RuntimeException"},
			&rpc.Error{Kind: rpc.KindTransport},
		} {
			if m.OnAuthError(context.Background(), err, "old") {
				t.Errorf("OnAuthError(%v) = true", err)
			}
		}
		if m.Token() != "old" || len(caller.calls) != 0 {
			t.Errorf("token = %q, calls = %d", m.Token(), len(caller.calls))
		}
	})

	t.Run("auth error reacquires", func(t *testing.T) {
		for _, kind := range []rpc.Kind{rpc.KindAuthInvalidToken, rpc.KindAuthInvalidShortCode} {
			caller := tokenCaller(`"new"`)
			store := &MemoryStore{}
			_ = store.SaveToken("old")
			m := New(caller, reply("ABCD", Preferences{}), WithStore(store))

			if !m.OnAuthError(context.Background(), &rpc.Error{Kind: kind}, "old") {
				t.Fatalf("OnAuthError(%v) = false", kind)
			}
			if m.Token() != "new" {
				t.Errorf("token = %q, want new", m.Token())
			}
			if caller.count(rpc.MethodRequestShortCode) != 1 {
				t.Errorf("requestShortCode called %d times", caller.count(rpc.MethodRequestShortCode))
			}
		}
	})

	t.Run("token cleared even when exchange fails", func(t *testing.T) {
		caller := tokenCaller(`"new"`)
		store := &MemoryStore{}
		_ = store.SaveToken("old")
		m := New(caller, reply("", Preferences{}), WithStore(store))

		if !m.OnAuthError(context.Background(), &rpc.Error{Kind: rpc.KindAuthInvalidToken}, "old") {
			t.Fatal("OnAuthError = false")
		}
		if m.Token() != "" {
			t.Errorf("token = %q, want empty", m.Token())
		}
		if saved, _ := store.LoadToken(); saved != "" {
			t.Errorf("stored token = %q, want empty", saved)
		}
	})

	t.Run("late failure for a replaced token", func(t *testing.T) {
		caller := tokenCaller(`"newer"`)
		m := New(caller, reply("ABCD", Preferences{}), WithStore(NewMemoryStore("fresh")))

		if !m.OnAuthError(context.Background(), &rpc.Error{Kind: rpc.KindAuthInvalidToken}, "old") {
			t.Fatal("OnAuthError = false")
		}
		if m.Token() != "fresh" {
			t.Errorf("token = %q, want fresh", m.Token())
		}
		if n := caller.count(rpc.MethodRequestShortCode); n != 0 {
			t.Errorf("requestShortCode called %d times, want 0", n)
		}
	})

	t.Run("failure with no token held", func(t *testing.T) {
		caller := tokenCaller(`"new"`)
		m := New(caller, reply("ABCD", Preferences{}))

		if !m.OnAuthError(context.Background(), &rpc.Error{Kind: rpc.KindAuthInvalidToken}, "") {
			t.Fatal("OnAuthError = false")
		}
		if m.Token() != "new" {
			t.Errorf("token = %q, want new", m.Token())
		}
	})
}

func TestExchange_Coalesced(t *testing.T) {
	caller := tokenCaller(`"tok"`)
	entered := make(chan struct{})
	release := make(chan struct{})
	var prompts int
	var mu sync.Mutex
	var once sync.Once

	m := New(caller, PrompterFunc(func(context.Context, Preferences) (Reply, error) {
		mu.Lock()
		prompts++
		mu.Unlock()
		once.Do(func() { close(entered) })
		<-release
		return Reply{ShortCode: "ABCD"}, nil
	}))

	var wg sync.WaitGroup
	tokens := make([]string, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tokens[0], _ = m.Exchange(context.Background())
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		tokens[1], _ = m.Exchange(context.Background())
	}()
	// Give the second exchange time to join the first.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if prompts != 1 {
		t.Errorf("prompted %d times, want 1", prompts)
	}
	if caller.count(rpc.MethodRequestShortCode) != 1 {
		t.Errorf("requestShortCode called %d times, want 1", caller.count(rpc.MethodRequestShortCode))
	}
	if tokens[0] != "tok" || tokens[1] != "tok" {
		t.Errorf("tokens = %v", tokens)
	}
}
