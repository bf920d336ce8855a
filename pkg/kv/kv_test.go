package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestAddMembersWithExpiry_IsMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddMembersWithExpiry(ctx, "token-a", 60, "2021-01-01:1", "2021-01-01:0"); err != nil {
		t.Fatalf("AddMembersWithExpiry() error = %v", err)
	}

	ok, err := s.IsMember(ctx, "token-a", "2021-01-01:1")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if !ok {
		t.Error("IsMember() = false, want true")
	}

	ok, err = s.IsMember(ctx, "token-a", "2021-02-01:1")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if ok {
		t.Error("IsMember() = true for absent candidate, want false")
	}
}

func TestIsMember_UnknownKey(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.IsMember(context.Background(), "does-not-exist", "x")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if ok {
		t.Error("IsMember() on unknown key = true, want false")
	}
}

func TestRemoveMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddMembersWithExpiry(ctx, "token-b", 60, "m1", "m2"); err != nil {
		t.Fatalf("AddMembersWithExpiry() error = %v", err)
	}

	removed, err := s.RemoveMember(ctx, "token-b", "m1")
	if err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if !removed {
		t.Error("RemoveMember() = false, want true on first removal")
	}

	removed, err = s.RemoveMember(ctx, "token-b", "m1")
	if err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if removed {
		t.Error("RemoveMember() = true on second removal of same member, want false")
	}
}

func TestDrainBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := s.RPush(ctx, "queue", v); err != nil {
			t.Fatalf("RPush() error = %v", err)
		}
	}

	got, err := s.DrainBatch(ctx, "queue", 2)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	want := []string{"a", "b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("DrainBatch() = %v, want %v", got, want)
	}

	n, err := s.Len(ctx, "queue")
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Len() after drain = %d, want 2", n)
	}
}

func TestSetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "salt-x", "1", 60)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Error("SetNX() first call = false, want true")
	}

	ok, err = s.SetNX(ctx, "salt-x", "1", 60)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if ok {
		t.Error("SetNX() second call = true, want false (already set)")
	}
}
