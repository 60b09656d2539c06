package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "v" {
		t.Errorf("expected v, got %s", data)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Hour)
	now = now.Add(59 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss at expiry")
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry to be removed, len=%d", s.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	_ = s.Delete(ctx, "k")
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestReadThrough_LoadsOnceWithinTTL(t *testing.T) {
	rt := NewReadThrough(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (float64, error) {
		calls++
		return 0.75, nil
	}

	for i := 0; i < 3; i++ {
		v, err := rt.GetOrLoad(ctx, "practitioner:success-rate:1", time.Hour, load)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 0.75 {
			t.Errorf("expected 0.75, got %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected loader to run once, ran %d times", calls)
	}
}

func TestReadThrough_LoadErrorNotCached(t *testing.T) {
	store := NewMemoryStore()
	rt := NewReadThrough(store, zerolog.Nop())
	ctx := context.Background()

	boom := errors.New("db down")
	_, err := rt.GetOrLoad(ctx, "k", time.Hour, func(context.Context) (float64, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if store.Len() != 0 {
		t.Error("failed load must not populate the cache")
	}
}

func TestReadThrough_Invalidate(t *testing.T) {
	rt := NewReadThrough(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	v := 0.5
	load := func(context.Context) (float64, error) { return v, nil }
	_, _ = rt.GetOrLoad(ctx, "k", time.Hour, load)
	v = 0.9
	if err := rt.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, _ := rt.GetOrLoad(ctx, "k", time.Hour, load)
	if got != 0.9 {
		t.Errorf("expected recomputed 0.9, got %v", got)
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (*failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestReadThrough_StoreFailureFallsBackToLoad(t *testing.T) {
	rt := NewReadThrough(&failingStore{}, zerolog.Nop())
	v, err := rt.GetOrLoad(context.Background(), "k", time.Hour, func(context.Context) (float64, error) {
		return 0.4, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.4 {
		t.Errorf("expected 0.4, got %v", v)
	}
}
