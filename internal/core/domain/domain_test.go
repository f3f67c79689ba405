package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionStatus(t *testing.T) {
	assert.Equal(t, SessionStatusRequiresTransaction, ParseSessionStatus("requires_transaction"))
	assert.Equal(t, SessionStatusClosed, ParseSessionStatus("closed"))
	assert.Equal(t, SessionStatusUnknown, ParseSessionStatus("something_new"))
	assert.Equal(t, SessionStatusUnknown, ParseSessionStatus(""))
}

func TestDecodeSessionEvent_Created(t *testing.T) {
	data := []byte(`{"id":"cs_1","amount":"10.00","asset":"USD","status":"created","preferences":{"payment_asset":"eip155:1/slip44:60"}}`)

	ev, err := DecodeSessionEvent(StreamEventCreated, data)
	require.NoError(t, err)
	assert.Equal(t, EventCreated, ev.Kind)
	assert.Equal(t, "cs_1", ev.SessionID)
	require.NotNil(t, ev.Session)
	assert.Equal(t, "eip155:1/slip44:60", ev.Session.Preferences.PaymentAsset)
}

func TestDecodeSessionEvent_UpdatedFansOutByStatus(t *testing.T) {
	cases := map[string]EventKind{
		"requires_amount":      EventRequiresAmount,
		"requires_transaction": EventRequiresTransaction,
		"requires_approval":    EventRequiresApproval,
		"completed":            EventCompleted,
	}
	for status, kind := range cases {
		data := []byte(`{"id":"cs_2","status":"` + status + `"}`)
		ev, err := DecodeSessionEvent(StreamEventUpdated, data)
		require.NoError(t, err)
		assert.Equal(t, kind, ev.Kind, "status %s", status)
	}
}

func TestDecodeSessionEvent_UpdatedClosedDropsSnapshot(t *testing.T) {
	ev, err := DecodeSessionEvent(StreamEventUpdated, []byte(`{"id":"cs_3","status":"closed"}`))
	require.NoError(t, err)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, "cs_3", ev.SessionID)
	assert.Nil(t, ev.Session)
}

func TestDecodeSessionEvent_ClosedSignal(t *testing.T) {
	ev, err := DecodeSessionEvent(StreamEventClosed, []byte(`{"commerce_session_id":"cs_4"}`))
	require.NoError(t, err)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, "cs_4", ev.SessionID)

	// Bare closed signal with no payload is still a valid event.
	ev, err = DecodeSessionEvent(StreamEventClosed, nil)
	require.NoError(t, err)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Empty(t, ev.SessionID)
}

func TestDecodeSessionEvent_UnknownType(t *testing.T) {
	_, err := DecodeSessionEvent("account.updated", []byte(`{}`))
	assert.Error(t, err)
}

func TestEventFromStatus(t *testing.T) {
	session := &CommerceSession{ID: "cs_5", Status: SessionStatusRequiresApproval}
	ev := EventFromStatus(session)
	assert.Equal(t, EventRequiresApproval, ev.Kind)
	assert.Same(t, session, ev.Session)

	session.Status = SessionStatusUnknown
	assert.Equal(t, EventCreated, EventFromStatus(session).Kind)
}

func TestFindAsset(t *testing.T) {
	accounts := []Account{
		{ID: "acct_1", Assets: []AvailableAsset{{AssetID: "btc", Symbol: "BTC"}}},
		{ID: "acct_2", Assets: []AvailableAsset{{AssetID: "eth", Symbol: "ETH"}, {AssetID: "usdc", Symbol: "USDC"}}},
	}

	selected, ok := FindAsset(accounts, "usdc")
	require.True(t, ok)
	assert.Equal(t, SelectedAsset{AccountID: "acct_2", AssetID: "usdc"}, selected)

	_, ok = FindAsset(accounts, "sol")
	assert.False(t, ok)

	_, ok = FindAsset(accounts, "")
	assert.False(t, ok)
}

func TestCommerceSessionClone(t *testing.T) {
	session := &CommerceSession{
		ID:                   "cs_7",
		Status:               SessionStatusRequiresTransaction,
		Preferences:          Preferences{PaymentAsset: "eth"},
		RequestedTransaction: &RequestedTransaction{ID: "tx_1", Fee: &Fee{Amount: "0.0001"}},
		Authorization:        &Authorization{Number: "123456"},
		Transactions:         []SessionTransaction{{ID: "tx_0"}},
	}

	dup := session.Clone()
	require.NotSame(t, session, dup)
	assert.Equal(t, session, dup)

	session.Preferences.PaymentAsset = "usdc"
	session.RequestedTransaction.Fee.Amount = "0.9"
	session.Authorization.Number = "000000"
	session.Transactions[0].ID = "tx_mutated"

	assert.Equal(t, "eth", dup.Preferences.PaymentAsset)
	assert.Equal(t, "0.0001", dup.RequestedTransaction.Fee.Amount)
	assert.Equal(t, "123456", dup.Authorization.Number)
	assert.Equal(t, "tx_0", dup.Transactions[0].ID)

	var nilSession *CommerceSession
	assert.Nil(t, nilSession.Clone())
}

func TestNewTransactionRequest(t *testing.T) {
	session := &CommerceSession{
		ID:     "cs_6",
		Amount: "10.00",
		Brand:  Brand{Name: "Acme", LogoURL: "https://cdn/acme.png", Color: "#6a31c5"},
		RequestedTransaction: &RequestedTransaction{
			Destination: "0xdead",
			Amount:      "0.004",
			Size:        "114",
			Fee:         &Fee{Amount: "0.0001", Asset: "eth", Price: "21", Priority: "normal"},
		},
	}
	selected := SelectedAsset{AccountID: "acct_1", AssetID: "eth"}

	req, ok := NewTransactionRequest(session, selected)
	require.True(t, ok)
	assert.Equal(t, "cs_6", req.SessionID)
	assert.Equal(t, "0xdead", req.Destination)
	assert.Equal(t, "0.004", req.Amount)
	assert.Equal(t, "acct_1", req.AccountID)
	assert.Equal(t, "0.0001", req.FeeAmount)
	assert.Equal(t, "normal", req.FeePriority)
	assert.Equal(t, "Acme", req.BrandName)

	session.RequestedTransaction = nil
	_, ok = NewTransactionRequest(session, selected)
	assert.False(t, ok)
}
