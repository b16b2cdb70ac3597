package postgres

import (
	"context"
	"testing"

	"github.com/coachpo/tradeguard/internal/domain/tradestore"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Triggers() == nil || store.Rules() == nil || store.Counters() == nil {
		t.Fatalf("expected repositories to be wired")
	}
}

func TestStoreTransactionNilPool(t *testing.T) {
	store := New(nil)
	err := store.WithTransaction(context.Background(), func(context.Context, tradestore.Tx) error {
		return nil
	})
	if err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.WithTransaction(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}
