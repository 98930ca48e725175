package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltycore/internal/model"
)

func TestPurchase_Validation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	tests := []struct {
		name string
		p    model.Purchase
	}{
		{"missing external id", model.Purchase{UserID: 1, Amount: dec("10")}},
		{"missing user", model.Purchase{ExternalID: "p", Amount: dec("10")}},
		{"zero amount", model.Purchase{ExternalID: "p", UserID: 1}},
		{"negative amount", model.Purchase{ExternalID: "p", UserID: 1, Amount: dec("-5")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.purchases.Record(ctx, tt.p)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestPurchase_SyncFromLedger(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	seedLevels(e.store)

	e.store.addUser(model.User{ID: 1, ExternalID: strPtr("erp-1"), PurchaseSum: dec("50")})
	e.store.addUser(model.User{ID: 2, ExternalID: strPtr("erp-2"), PurchaseSum: dec("80")})
	e.store.addUser(model.User{ID: 3})
	e.ledger.sums = map[string]decimal.Decimal{"erp-1": dec("320"), "erp-2": dec("80")}

	n, err := e.purchases.SyncFromLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, e.store.user(1).PurchaseSum.Equal(dec("320")))
	assert.True(t, e.store.levelGrants[[2]int64{1, 2}], "sync runs the loyalty rules")
	assert.False(t, e.store.levelGrants[[2]int64{2, 1}])
}

func TestPurchase_SyncFromLedgerSkipsFailingUsers(t *testing.T) {
	e := newEnv()
	e.store.addUser(model.User{ID: 1, ExternalID: strPtr("erp-1")})
	e.ledger.err = errors.New("erp down")

	n, err := e.purchases.SyncFromLedger(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
