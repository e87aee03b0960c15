package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseStatusTransitions(t *testing.T) {
	tests := []struct {
		from PurchaseStatus
		to   PurchaseStatus
		ok   bool
	}{
		{PurchasePending, PurchaseCompleted, true},
		{PurchasePending, PurchaseFailed, true},
		{PurchaseCompleted, PurchaseRefunded, true},
		{PurchasePending, PurchaseRefunded, false},
		{PurchaseCompleted, PurchaseFailed, false},
		{PurchaseCompleted, PurchasePending, false},
		{PurchaseFailed, PurchaseCompleted, false},
		{PurchaseRefunded, PurchaseCompleted, false},
		{PurchaseRefunded, PurchasePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPurchaseMarshalHidesKeyUntilFulfilled(t *testing.T) {
	for _, status := range []PurchaseStatus{PurchasePending, PurchaseFailed} {
		p := Purchase{ID: 1, Status: status, EncryptionKey: "secret"}
		data, err := json.Marshal(p)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "secret", "status %s", status)
	}

	for _, status := range []PurchaseStatus{PurchaseCompleted, PurchaseRefunded} {
		p := Purchase{ID: 1, Status: status, EncryptionKey: "secret"}
		data, err := json.Marshal(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"encryptionKey":"secret"`, "status %s", status)
	}
}

func TestPurchaseEntitled(t *testing.T) {
	published := Artifact{ObjectKey: "artifacts/7/1.zip"}

	assert.True(t, Purchase{Status: PurchaseCompleted, Artifact: published}.Entitled())
	assert.False(t, Purchase{Status: PurchaseCompleted}.Entitled())
	assert.False(t, Purchase{Status: PurchaseRefunded, Artifact: published}.Entitled())
	assert.False(t, Purchase{Status: PurchasePending, Artifact: published}.Entitled())
}
