package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(t *testing.T) *Payment {
	t.Helper()
	p, err := NewPayment("user-1", "game-1", decimal.NewFromFloat(59.90), MethodPix)
	require.NoError(t, err)
	return p
}

func TestNewPayment(t *testing.T) {
	p := newPending(t)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.True(t, p.Amount.Equal(decimal.NewFromFloat(59.90)))
	assert.False(t, p.CreatedAt.IsZero())
	assert.Nil(t, p.ProcessedAt)
	assert.False(t, p.Terminal())
}

func TestNewPaymentRejectsNegativeAmount(t *testing.T) {
	_, err := NewPayment("user-1", "game-1", decimal.NewFromInt(-1), MethodPix)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestCompletedLifecycle(t *testing.T) {
	p := newPending(t)

	require.NoError(t, p.MarkProcessing())
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Nil(t, p.ProcessedAt)

	require.NoError(t, p.MarkCompleted("TXN-ABC123"))
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "TXN-ABC123", p.TransactionID)
	assert.Empty(t, p.FailureReason)
	assert.NotNil(t, p.ProcessedAt)
	assert.True(t, p.Terminal())
}

func TestFailedLifecycle(t *testing.T) {
	p := newPending(t)

	require.NoError(t, p.MarkProcessing())
	require.NoError(t, p.MarkFailed("card declined"))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)
	assert.Empty(t, p.TransactionID)
	assert.NotNil(t, p.ProcessedAt)
	assert.True(t, p.Terminal())
}

func TestCancelFromPending(t *testing.T) {
	p := newPending(t)

	require.NoError(t, p.Cancel())
	assert.Equal(t, StatusCancelled, p.Status)
	assert.NotNil(t, p.ProcessedAt)
	assert.True(t, p.Terminal())
}

func TestInvalidTransitionsLeaveAggregateUnchanged(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(t *testing.T) *Payment
		attempt func(p *Payment) error
	}{
		{
			name:    "complete from pending",
			prepare: newPending,
			attempt: func(p *Payment) error { return p.MarkCompleted("TXN-1") },
		},
		{
			name:    "fail from pending",
			prepare: newPending,
			attempt: func(p *Payment) error { return p.MarkFailed("nope") },
		},
		{
			name: "process from completed",
			prepare: func(t *testing.T) *Payment {
				p := newPending(t)
				require.NoError(t, p.MarkProcessing())
				require.NoError(t, p.MarkCompleted("TXN-1"))
				return p
			},
			attempt: func(p *Payment) error { return p.MarkProcessing() },
		},
		{
			name: "cancel from processing",
			prepare: func(t *testing.T) *Payment {
				p := newPending(t)
				require.NoError(t, p.MarkProcessing())
				return p
			},
			attempt: func(p *Payment) error { return p.Cancel() },
		},
		{
			name: "complete twice",
			prepare: func(t *testing.T) *Payment {
				p := newPending(t)
				require.NoError(t, p.MarkProcessing())
				require.NoError(t, p.MarkCompleted("TXN-1"))
				return p
			},
			attempt: func(p *Payment) error { return p.MarkCompleted("TXN-2") },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.prepare(t)
			before := *p

			err := tc.attempt(p)

			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, before.Status, ite.From)
			assert.Equal(t, before.Status, p.Status)
			assert.Equal(t, before.TransactionID, p.TransactionID)
			assert.Equal(t, before.FailureReason, p.FailureReason)
		})
	}
}

func TestMarkCompletedRequiresReference(t *testing.T) {
	p := newPending(t)
	require.NoError(t, p.MarkProcessing())

	err := p.MarkCompleted("")
	require.Error(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
}

func TestProcessedAtSetOnlyInTerminalStates(t *testing.T) {
	p := newPending(t)
	assert.Nil(t, p.ProcessedAt)

	require.NoError(t, p.MarkProcessing())
	assert.Nil(t, p.ProcessedAt)

	require.NoError(t, p.MarkFailed("declined"))
	assert.NotNil(t, p.ProcessedAt)
}

func TestParseMethod(t *testing.T) {
	for _, valid := range []string{"credit_card", "debit_card", "pix", "boleto", "paypal"} {
		m, err := ParseMethod(valid)
		require.NoError(t, err)
		assert.Equal(t, Method(valid), m)
	}
	_, err := ParseMethod("cash")
	assert.Error(t, err)
}

func TestReplayMatchesLifecycle(t *testing.T) {
	p := newPending(t)
	var log []Event

	record := func(eventType string, payload any) {
		e, err := NewEvent(p.ID, eventType, payload)
		require.NoError(t, err)
		log = append(log, e)
	}

	record(EventPaymentCreated, PaymentCreated{PaymentID: p.ID})
	status, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, p.Status, status)

	require.NoError(t, p.MarkProcessing())
	record(EventPaymentProcessing, PaymentProcessing{PaymentID: p.ID})
	status, err = Replay(log)
	require.NoError(t, err)
	assert.Equal(t, p.Status, status)

	require.NoError(t, p.MarkCompleted("TXN-1"))
	record(EventPaymentCompleted, PaymentCompleted{PaymentID: p.ID})
	record(EventGamePurchased, GamePurchased{PaymentID: p.ID})
	status, err = Replay(log)
	require.NoError(t, err)
	assert.Equal(t, p.Status, status)
}

func TestReplayEmptyLog(t *testing.T) {
	_, err := Replay(nil)
	assert.Error(t, err)
}
