package keyring

import (
	"context"
	"testing"

	"github.com/bfix/zaxmail/b64"
	"github.com/bfix/zaxmail/config"
	zcrypto "github.com/bfix/zaxmail/crypto"
	"github.com/bfix/zaxmail/storage"
)

func newStore(t *testing.T, id string) *storage.Store {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, config.Default(), storage.NewMemDriver(), id)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	return st
}

func TestGuestHpkInvariant(t *testing.T) {
	ctx := context.Background()
	kr, err := New(ctx, newStore(t, "alice"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	guest, err := zcrypto.Keypair()
	if err != nil {
		t.Fatalf("Keypair: %v", err)
	}
	if err := kr.AddGuest(ctx, "bob", guest.Public); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	pk, ok := kr.GetGuestKey("bob")
	if !ok || pk != guest.Public {
		t.Fatalf("GetGuestKey mismatch: ok=%v", ok)
	}

	h := zcrypto.H2(guest.Public[:])
	hpkB64 := b64.Encode(h[:])
	tag, ok := kr.GetTagByHpk(hpkB64)
	if !ok || tag != "bob" {
		t.Fatalf("GetTagByHpk = (%q,%v), want (bob,true)", tag, ok)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	kr, err := New(ctx, newStore(t, "carol"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	guest, err := zcrypto.Keypair()
	if err != nil {
		t.Fatalf("Keypair: %v", err)
	}
	if err := kr.AddGuest(ctx, "dave", guest.Public); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	backup, err := kr.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored, err := FromBackup(ctx, newStore(t, "carol-restored"), backup)
	if err != nil {
		t.Fatalf("FromBackup: %v", err)
	}
	if restored.GetPubCommKey() != kr.GetPubCommKey() {
		t.Fatalf("restored pub comm key mismatch")
	}
	pk, ok := restored.GetGuestKey("dave")
	if !ok || pk != guest.Public {
		t.Fatalf("restored guest key mismatch: ok=%v", ok)
	}

	backup2, err := restored.Backup()
	if err != nil {
		t.Fatalf("Backup (restored): %v", err)
	}
	if backup2 == "" {
		t.Fatalf("empty re-backup")
	}
}

func TestKeyringPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	drv := storage.NewMemDriver()
	cfg := config.Default()

	st1, err := storage.Open(ctx, cfg, drv, "erin")
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	kr1, err := New(ctx, st1)
	if err != nil {
		t.Fatalf("New 1: %v", err)
	}

	st2, err := storage.Open(ctx, cfg, drv, "erin")
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	kr2, err := New(ctx, st2)
	if err != nil {
		t.Fatalf("New 2: %v", err)
	}
	if kr1.GetPubCommKey() != kr2.GetPubCommKey() {
		t.Fatalf("comm key not stable across re-open")
	}
}
