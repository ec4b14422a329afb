package firestore

import (
	"context"
	"testing"

	"cloud.google.com/go/firestore"
)

func TestTransactionContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if _, ok := TransactionFromContext(ctx); ok {
		t.Fatal("plain context must not carry a transaction")
	}

	tx := &firestore.Transaction{}
	txCtx := WithTransaction(ctx, tx)

	got, ok := TransactionFromContext(txCtx)
	if !ok {
		t.Fatal("transaction not found after WithTransaction")
	}
	if got != tx {
		t.Fatal("returned a different transaction than was attached")
	}

	// The parent context stays untouched.
	if _, ok := TransactionFromContext(ctx); ok {
		t.Fatal("attaching must not mutate the parent context")
	}
}

func TestWithTransactionNilIsNoop(t *testing.T) {
	ctx := context.Background()
	if got := WithTransaction(ctx, nil); got != ctx {
		t.Fatal("nil transaction should return the context unchanged")
	}
}

func TestTransactionFromContextNil(t *testing.T) {
	if _, ok := TransactionFromContext(nil); ok {
		t.Fatal("nil context must not report a transaction")
	}
}
