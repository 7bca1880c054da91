package session

import (
	"context"
	"testing"
)

// newTestStore connects to a local Redis and removes test_* connection keys.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("localhost:6379", "relay-test")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ctx := context.Background()
	clean := func() {
		for _, prefix := range []string{ConnPrefix + "test_*", UserConnsPrefix + "test_*"} {
			iter := s.client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				s.client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		s.Close()
	})
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_c1", "test_adv1", "ADVERTISER"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	conn, err := s.Get(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn == nil {
		t.Fatal("expected connection record")
	}
	if conn.UserID != "test_adv1" || conn.Role != "ADVERTISER" || conn.Server != "relay-test" {
		t.Errorf("unexpected record %+v", conn)
	}
	if len(conn.JoinedThreads()) != 0 {
		t.Errorf("expected no joined threads, got %v", conn.JoinedThreads())
	}
	if ttl := s.client.TTL(ctx, ConnPrefix+"test_c1").Val(); ttl <= 0 {
		t.Errorf("expected positive ttl, got %v", ttl)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	conn, err := s.Get(context.Background(), "test_missing")
	if err != nil || conn != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", conn, err)
	}
}

func TestSetThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "test_c2", "test_pro1", "PROMOTER")

	if err := s.SetThreads(ctx, "test_c2", []string{"t2", "t1"}); err != nil {
		t.Fatalf("SetThreads: %v", err)
	}
	conn, _ := s.Get(ctx, "test_c2")
	got := conn.JoinedThreads()
	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Errorf("expected sorted [t1 t2], got %v", got)
	}
}

func TestListForUserAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "test_a", "test_u", "ADVERTISER")
	s.Create(ctx, "test_b", "test_u", "ADVERTISER")

	conns, err := s.ListForUser(ctx, "test_u")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(conns) != 2 || conns[0].ID != "test_a" {
		t.Fatalf("unexpected connections %+v", conns)
	}

	if err := s.Delete(ctx, "test_a", "test_u"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	conns, _ = s.ListForUser(ctx, "test_u")
	if len(conns) != 1 || conns[0].ID != "test_b" {
		t.Errorf("expected only test_b, got %+v", conns)
	}

	// An expired record is pruned from the user's set.
	s.client.Del(ctx, ConnPrefix+"test_b")
	conns, _ = s.ListForUser(ctx, "test_u")
	if len(conns) != 0 {
		t.Errorf("expected no connections, got %+v", conns)
	}
	if n := s.client.SCard(ctx, UserConnsPrefix+"test_u").Val(); n != 0 {
		t.Errorf("expected pruned set, got %d members", n)
	}
}
