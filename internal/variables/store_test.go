package variables

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := NewStore()
	store.Set("username", "john")
	store.Set("count", 42)

	value, ok := store.Get("username")
	if !ok {
		t.Fatal("expected to find 'username' key")
	}
	if value != "john" {
		t.Errorf("expected 'john', got %v", value)
	}

	value, ok = store.Get("count")
	if !ok || value != 42 {
		t.Errorf("expected 42, got %v (ok=%v)", value, ok)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewStore()
	value, ok := store.Get("missing_key")
	if ok {
		t.Errorf("expected ok=false for missing key, got value %v", value)
	}
	if value != nil {
		t.Errorf("expected nil for missing key, got %v", value)
	}
}

func TestMemoryStore_GetAllIsCopy(t *testing.T) {
	store := NewStore()
	store.Set("a", "1")
	store.Set("b", "2")

	all := store.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(all))
	}
	all["c"] = "3"
	if _, ok := store.Get("c"); ok {
		t.Error("modifying GetAll result should not affect the store")
	}
}

func TestMemoryStore_DeleteAndClear(t *testing.T) {
	store := NewStore()
	store.Set("a", "1")
	store.Set("b", "2")

	store.Delete("a")
	if _, ok := store.Get("a"); ok {
		t.Error("expected 'a' to be deleted")
	}

	store.Clear()
	if len(store.GetAll()) != 0 {
		t.Error("expected empty store after Clear")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 100; j++ {
				store.Set(key, j)
				store.Get(key)
				store.GetAll()
			}
		}(i)
	}
	wg.Wait()
	if len(store.GetAll()) != 4 {
		t.Errorf("expected 4 keys, got %d", len(store.GetAll()))
	}
}

func TestExpand(t *testing.T) {
	store := NewStore()
	store.Set("user", "ada")
	store.Set("id", 7)
	store.Set("raw", []byte("bytes"))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "plain", "plain"},
		{"string", "hello ${user}", "hello ada"},
		{"number", "/items/${id}", "/items/7"},
		{"bytes", "${raw}!", "bytes!"},
		{"unknown kept", "${missing}/${user}", "${missing}/ada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expand(store, tt.in); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if got := Expand(nil, "${user}"); got != "${user}" {
		t.Errorf("nil store should leave text unchanged, got %q", got)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	store := NewStore()
	store.Set("token", "abc")
	ctx := NewContext(context.Background(), store)

	if FromContext(ctx) != store {
		t.Fatal("expected the attached store")
	}
	if FromContext(context.Background()) != nil {
		t.Error("expected nil store on a bare context")
	}

	token, ok := Lookup[string](ctx, "token")
	if !ok || token != "abc" {
		t.Errorf("Lookup = %q, %v", token, ok)
	}
	if _, ok := Lookup[int](ctx, "token"); ok {
		t.Error("Lookup with the wrong type should fail")
	}
	if _, ok := Lookup[string](context.Background(), "token"); ok {
		t.Error("Lookup without a store should fail")
	}
}

func TestRegistry_ForThreadSharesStore(t *testing.T) {
	reg := NewRegistry()
	a := reg.ForThread(1)
	a.Set("k", "v")

	if reg.ForThread(1) != a {
		t.Fatal("expected the same store for the same thread")
	}
	if reg.ForThread(2) == a {
		t.Fatal("expected distinct stores for distinct threads")
	}

	reg.Release(1)
	if _, ok := reg.ForThread(1).Get("k"); ok {
		t.Error("expected a fresh store after Release")
	}
}

func TestRegistry_AttachIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	ctx := reg.Attach(context.Background(), 1)
	store := FromContext(ctx)
	if store == nil {
		t.Fatal("expected a store after Attach")
	}

	again := reg.Attach(ctx, 1)
	if again != ctx {
		t.Error("attaching twice should return the same context")
	}

	upstream := NewStore()
	ctx2 := reg.Attach(NewContext(context.Background(), upstream), 2)
	if FromContext(ctx2) != upstream {
		t.Error("an upstream store must not be overwritten")
	}

	// Stages derived from the attached context see the same store.
	derived, cancel := context.WithCancel(ctx)
	defer cancel()
	FromContext(derived).Set("seen", true)
	if v, _ := store.Get("seen"); v != true {
		t.Error("derived context should share the thread store")
	}
}
