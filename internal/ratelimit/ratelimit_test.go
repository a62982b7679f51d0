package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens/sec, capacity 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("expected request to be allowed after refill")
	}
	if !bucket.Allow() {
		t.Error("expected second request to be allowed after refill")
	}
	if bucket.Allow() {
		t.Error("expected third request to be denied")
	}
}

func TestLimiterPerRemote(t *testing.T) {
	rl := NewLimiter(0, 2, 0, 5, 3) // global disabled; per-remote: 2 conn/s, 5 auth/s; burst 3

	remote := "203.0.113.7:51000"
	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(remote) {
			t.Errorf("expected connection %d to be allowed", i)
		}
	}
	if rl.AllowConnection(remote) {
		t.Error("expected connection to be denied by per-remote limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowAuthAttempt(remote) {
			t.Errorf("expected auth attempt %d to be allowed", i)
		}
	}
	if rl.AllowAuthAttempt(remote) {
		t.Error("expected auth attempt to be denied by per-remote limit")
	}

	other := "198.51.100.9:40000"
	if !rl.AllowConnection(other) {
		t.Error("expected a different remote to have its own budget")
	}
	if !rl.AllowAuthAttempt(other) {
		t.Error("expected a different remote to have its own budget")
	}
}

func TestLimiterGlobal(t *testing.T) {
	rl := NewLimiter(2, 0, 2, 0, 2) // global: 2 conn/s, 2 auth/s; per-remote disabled; burst 2

	a, b := "a:1", "b:1"
	if !rl.AllowConnection(a) || !rl.AllowConnection(b) {
		t.Fatal("expected initial global burst to be allowed")
	}
	if rl.AllowConnection(a) {
		t.Error("expected connection to be denied by global limit")
	}
	if !rl.AllowAuthAttempt(a) || !rl.AllowAuthAttempt(b) {
		t.Fatal("expected initial global auth burst to be allowed")
	}
	if rl.AllowAuthAttempt(a) {
		t.Error("expected auth attempt to be denied by global limit")
	}
}

func TestLimiterCleanupStale(t *testing.T) {
	rl := NewLimiter(0, 1, 0, 1, 1)

	rl.AllowConnection("keep")
	rl.AllowConnection("drop")
	rl.AllowAuthAttempt("keep")
	rl.AllowAuthAttempt("drop")

	if len(rl.perRemoteConnLimit) != 2 || len(rl.perRemoteAuthLimit) != 2 {
		t.Fatalf("expected 2 buckets on each axis before cleanup")
	}

	rl.CleanupStale(map[string]bool{"keep": true})

	if _, ok := rl.perRemoteConnLimit["keep"]; !ok {
		t.Error("expected keep's connection bucket to remain")
	}
	if _, ok := rl.perRemoteConnLimit["drop"]; ok {
		t.Error("expected drop's connection bucket to be removed")
	}
	if _, ok := rl.perRemoteAuthLimit["keep"]; !ok {
		t.Error("expected keep's auth bucket to remain")
	}
	if _, ok := rl.perRemoteAuthLimit["drop"]; ok {
		t.Error("expected drop's auth bucket to be removed")
	}
}

func TestLimiterDisabled(t *testing.T) {
	rl := NewLimiter(0, 0, 0, 0, 5)
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("x") {
			t.Errorf("expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowAuthAttempt("x") {
			t.Errorf("expected auth attempt %d to be allowed when limits disabled", i)
		}
	}
}
