package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c Cache = Nop{}

	c.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Nop.Get() hit, want miss")
	}
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("Get(missing) hit, want miss")
	}

	m.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := m.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Errorf("Get() = %q, %v, want v, true", got, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	m.Set(ctx, "k", []byte("v"), time.Minute)

	now = now.Add(59 * time.Second)
	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("Get() before TTL miss, want hit")
	}

	now = now.Add(2 * time.Second)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Get() after TTL hit, want miss")
	}
}

func TestMemoryZeroTTLNotStored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Set(ctx, "k", []byte("v"), 0)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Get() after zero-TTL Set hit, want miss")
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	for i := 0; i < sweepThreshold; i++ {
		m.Set(ctx, "k"+strconv.Itoa(i), []byte("v"), time.Second)
	}

	// Everything is stale now; the next Set sweeps the map.
	now = now.Add(2 * time.Second)
	m.Set(ctx, "fresh", []byte("v"), time.Minute)

	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()
	if size != 1 {
		t.Errorf("entries after sweep = %d, want 1", size)
	}
}
