package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/matheus3301/chatd/internal/bus"
)

type fakeConn struct{ name string }

func (c *fakeConn) Send([]byte) bool { return true }

type fakeFlags struct {
	mu    sync.Mutex
	flags map[string]bool
	err   error
}

func (f *fakeFlags) SetOnline(id string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.flags == nil {
		f.flags = make(map[string]bool)
	}
	f.flags[id] = online
	return nil
}

func (f *fakeFlags) get(id string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.flags[id]
	return v, ok
}

func TestLastConnectWins(t *testing.T) {
	r := New(nil, nil, nil, nil)
	c1, c2 := &fakeConn{"c1"}, &fakeConn{"c2"}

	if prev := r.Register("u", c1); prev != nil {
		t.Errorf("first Register returned %v, want nil", prev)
	}
	if prev := r.Register("u", c2); prev != c1 {
		t.Errorf("second Register returned %v, want c1", prev)
	}
	got, ok := r.Lookup("u")
	if !ok || got != c2 {
		t.Fatalf("Lookup = %v, want c2", got)
	}

	// Stale disconnect is a no-op.
	if r.Unregister("u", c1) {
		t.Error("Unregister with stale handle returned true")
	}
	if got, _ := r.Lookup("u"); got != c2 {
		t.Errorf("Lookup after stale unregister = %v, want c2", got)
	}

	if !r.Unregister("u", c2) {
		t.Error("Unregister with current handle returned false")
	}
	if _, ok := r.Lookup("u"); ok {
		t.Error("user still registered")
	}
}

func TestOnlineFlagPersisted(t *testing.T) {
	flags := &fakeFlags{}
	r := New(flags, nil, nil, nil)
	c := &fakeConn{}

	r.Register("u", c)
	r.Wait()
	if v, ok := flags.get("u"); !ok || !v {
		t.Errorf("flag after register = %v/%v, want true", v, ok)
	}

	r.Unregister("u", c)
	r.Wait()
	if v, _ := flags.get("u"); v {
		t.Error("flag after unregister = true, want false")
	}
}

func TestFlagFailureIsContained(t *testing.T) {
	r := New(&fakeFlags{err: errors.New("db down")}, nil, nil, nil)
	r.Register("u", &fakeConn{})
	r.Wait()
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestPresenceEvents(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	r := New(nil, b, nil, nil)
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Register("u", c1)
	r.Register("u", c2) // replacement is not a new online event
	r.Unregister("u", c2)

	want := []string{bus.KindPresenceOnline, bus.KindPresenceOffline}
	for _, kind := range want {
		evt := <-ch
		if evt.Kind != kind {
			t.Errorf("event = %s, want %s", evt.Kind, kind)
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %s", evt.Kind)
	default:
	}
}

func TestConcurrentRegister(t *testing.T) {
	r := New(&fakeFlags{}, nil, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i%10)
			c := &fakeConn{}
			r.Register(id, c)
			r.Lookup(id)
			r.Unregister(id, c)
		}(i)
	}
	wg.Wait()
	r.Wait()
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d after all unregistered, want 0", n)
	}
	if got := r.Online(); len(got) != 0 {
		t.Errorf("Online = %v, want empty", got)
	}
}
