package storage

import (
	"context"
	"testing"

	"github.com/bfix/zaxmail/config"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	drv := NewMemDriver()

	s, err := Open(ctx, cfg, drv, "alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	type payload struct {
		Text string
		N    int
	}
	in := payload{Text: "hello", N: 7}
	if err := s.Save(ctx, "greeting", in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out payload
	found, err := s.Get(ctx, "greeting", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("Get: not found")
	}
	if out != in {
		t.Fatalf("Get = %+v, want %+v", out, in)
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	s, err := Open(ctx, cfg, NewMemDriver(), "bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var out string
	found, err := s.Get(ctx, "nope", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("Get: expected not found")
	}
}

func TestStoreRemoveThenGetNil(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	drv := NewMemDriver()
	s, err := Open(ctx, cfg, drv, "carol")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, "k", "v"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var out string
	found, err := s.Get(ctx, "k", &out)
	if err != nil {
		t.Fatalf("Get after Remove: %v", err)
	}
	if found {
		t.Fatalf("Get after Remove: expected not found")
	}
}

func TestStoreKeyPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	drv := NewMemDriver()

	s1, err := Open(ctx, cfg, drv, "dave")
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	if err := s1.Save(ctx, "secret", "pony"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := Open(ctx, cfg, drv, "dave")
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	var out string
	found, err := s2.Get(ctx, "secret", &out)
	if err != nil {
		t.Fatalf("Get via second Store: %v", err)
	}
	if !found || out != "pony" {
		t.Fatalf("Get via second Store = (%v,%q), want (true, pony)", found, out)
	}
}

func TestStoreSelfDestruct(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	drv := NewMemDriver()

	s, err := Open(ctx, cfg, drv, "erin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SelfDestruct(ctx); err != nil {
		t.Fatalf("SelfDestruct: %v", err)
	}
	slot := cfg.Namespace(cfg.StorageKTag, NormalizeID("erin"))
	if _, found, _ := drv.Get(ctx, slot); found {
		t.Fatalf("storage key slot still present after SelfDestruct")
	}
}
