package ports

import (
	"errors"
	"testing"

	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
)

func TestAllocLowestFreeAtCursor(t *testing.T) {
	a := New()
	a.AddPool(PoolHost, 19000, 19002)

	p1, err := a.Alloc(PoolHost)
	if err != nil || p1 != 19000 {
		t.Fatalf("expected 19000, got %d err=%v", p1, err)
	}
	p2, err := a.Alloc(PoolHost)
	if err != nil || p2 != 19001 {
		t.Fatalf("expected 19001, got %d err=%v", p2, err)
	}

	a.Free(PoolHost, 19000)
	p3, err := a.Alloc(PoolHost)
	if err != nil || p3 != 19002 {
		t.Fatalf("expected cursor to continue to 19002, got %d err=%v", p3, err)
	}

	// Cursor wraps and picks up the freed 19000.
	p4, err := a.Alloc(PoolHost)
	if err != nil || p4 != 19000 {
		t.Fatalf("expected wraparound to free port 19000, got %d err=%v", p4, err)
	}
}

func TestAllocExhaustionLeavesPoolUnchanged(t *testing.T) {
	a := New()
	a.AddPool(PoolHost, 19000, 19000)
	if _, err := a.Alloc(PoolHost); err != nil {
		t.Fatalf("first alloc should succeed: %v", err)
	}
	_, err := a.Alloc(PoolHost)
	var oe *orcherr.Error
	if !errors.As(err, &oe) || oe.Kind != orcherr.PortExhausted {
		t.Fatalf("expected PortExhausted, got %v", err)
	}
	// Pool is still exhausted on a second attempt (unchanged, not corrupted).
	if _, err := a.Alloc(PoolHost); err == nil {
		t.Fatal("expected continued exhaustion")
	}
}

func TestAllocAvoidingSkipsGivenPort(t *testing.T) {
	a := New()
	a.AddPool(PoolContainerHTTPS, 45000, 45002)

	port, err := a.AllocAvoiding(PoolContainerHTTPS, 45000)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if port == 45000 {
		t.Fatal("expected the avoided port to be skipped")
	}
}

func TestReserveThenFreeIsIdempotent(t *testing.T) {
	a := New()
	a.AddPool(PoolHost, 19000, 19001)
	a.Reserve(PoolHost, 19000)
	a.Reserve(PoolHost, 19000) // idempotent

	if _, err := a.Alloc(PoolHost); err != nil {
		t.Fatalf("expected 19001 still free: %v", err)
	}

	a.Free(PoolHost, 19000)
	a.Free(PoolHost, 19000) // idempotent, no panic

	if _, err := a.Alloc(PoolHost); err != nil {
		t.Fatalf("expected 19000 free again: %v", err)
	}
}

func TestVPNPoolNaming(t *testing.T) {
	a := New()
	a.AddPool(VPNPool("vpn1"), 50000, 50010)
	if !a.HasPool(VPNPool("vpn1")) {
		t.Fatal("expected vpn1 pool to be registered")
	}
	if a.HasPool(VPNPool("vpn2")) {
		t.Fatal("vpn2 pool should not exist")
	}
}

func TestFreeOnUnregisteredPoolIsNoop(t *testing.T) {
	a := New()
	a.Free("does-not-exist", 1) // must not panic
}
