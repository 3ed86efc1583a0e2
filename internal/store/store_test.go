package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"sosbot/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "pool.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPoolLifecycle(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()

	if err := s.Add(ctx, 3); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := s.Available(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("available = %v", got)
	}

	ok, err := s.Take(ctx, 2, 100)
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	// taking a taken machine fails
	ok, err = s.Take(ctx, 2, 200)
	if err != nil || ok {
		t.Fatalf("double take: ok=%v err=%v", ok, err)
	}
	// taking a machine outside the pool fails
	ok, err = s.Take(ctx, 99, 100)
	if err != nil || ok {
		t.Fatalf("take missing: ok=%v err=%v", ok, err)
	}

	got, _ = s.Available(ctx)
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("available after take = %v", got)
	}

	if err := s.Release(ctx, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = s.Available(ctx)
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("available after release = %v", got)
	}
}

func TestAddIsIdempotentAndGrows(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()

	if err := s.Add(ctx, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Take(ctx, 1, 100); err != nil {
		t.Fatalf("take: %v", err)
	}

	// re-adding keeps taken state, growing adds the new ids
	if err := s.Add(ctx, 4); err != nil {
		t.Fatalf("grow: %v", err)
	}
	got, _ := s.Available(ctx)
	if !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Fatalf("available = %v", got)
	}

	if err := s.Add(ctx, 0); err == nil {
		t.Fatal("add 0 accepted")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()

	_ = s.Add(ctx, 5)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := s.Available(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("available after clear = %v", got)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	t.Parallel()

	var s *Store
	ctx := context.Background()

	if err := s.Add(ctx, 1); err != ErrDisabled {
		t.Fatalf("add err = %v", err)
	}
	if _, err := s.Available(ctx); err != ErrDisabled {
		t.Fatalf("available err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close err = %v", err)
	}
}
