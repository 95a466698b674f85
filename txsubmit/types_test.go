package txsubmit

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/require"
)

// testSignedPayload builds a minimal signed transfer transaction and wraps it
// as a payload, the same shape callers hand to the engine.
func testSignedPayload(t *testing.T, validFor time.Duration) *TransactionPayload {
	t.Helper()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	recipient := solana.NewWallet().PublicKey()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1_000, key.PublicKey(), recipient).Build(),
		},
		solana.Hash(recipient),
		solana.TransactionPayer(key.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	payload, err := NewTransactionPayload(raw, validFor)
	require.NoError(t, err)
	return payload
}

func TestNewTransactionPayload(t *testing.T) {
	payload := testSignedPayload(t, time.Second)
	require.False(t, payload.Signature().IsZero())
	require.NotEmpty(t, payload.Bytes())

	// budget shrinks as time passes and goes negative after expiry
	budget := payload.ExpiryBudget(time.Now())
	require.Greater(t, budget, 500*time.Millisecond)
	require.Negative(t, payload.ExpiryBudget(time.Now().Add(2*time.Second)))
}

func TestNewTransactionPayload_Invalid(t *testing.T) {
	_, err := NewTransactionPayload(nil, time.Second)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = NewTransactionPayload([]byte{0x01, 0x02, 0x03}, time.Second)
	require.Error(t, err)

	_, err = NewTransactionPayloadFromBase64("not-base64!!!", time.Second)
	require.Error(t, err)
}

func TestNewTransactionPayloadFromBase64_Roundtrip(t *testing.T) {
	payload := testSignedPayload(t, time.Second)

	decoded, err := NewTransactionPayloadFromBase64(payload.Base64(), time.Second)
	require.NoError(t, err)
	require.Equal(t, payload.Signature(), decoded.Signature())
	require.Equal(t, payload.Bytes(), decoded.Bytes())
}

func TestParseUrgencyTier(t *testing.T) {
	tier, err := ParseUrgencyTier("low")
	require.NoError(t, err)
	require.Equal(t, UrgencyLow, tier)

	tier, err = ParseUrgencyTier("high")
	require.NoError(t, err)
	require.Equal(t, UrgencyHigh, tier)

	// empty defaults to medium
	tier, err = ParseUrgencyTier("")
	require.NoError(t, err)
	require.Equal(t, UrgencyMedium, tier)

	_, err = ParseUrgencyTier("ludicrous")
	require.ErrorIs(t, err, ErrInvalidUrgencyTier)
}

func TestBundleRequestEncodedTransactions(t *testing.T) {
	payload := testSignedPayload(t, time.Second)

	req := &BundleRequest{Transactions: []*TransactionPayload{payload}}
	encoded, err := req.EncodedTransactions()
	require.NoError(t, err)
	require.Len(t, encoded, 1)
	require.Equal(t, payload.Base64(), encoded[0])
}

func TestStatusResultConfirmed(t *testing.T) {
	require.False(t, (&StatusResult{}).Confirmed())
	require.False(t, (&StatusResult{Found: true, ConfirmationStatus: "processed"}).Confirmed())
	require.True(t, (&StatusResult{Found: true, ConfirmationStatus: "confirmed"}).Confirmed())
	require.True(t, (&StatusResult{Found: true, ConfirmationStatus: "finalized"}).Confirmed())
	// an on-chain error never counts as confirmed
	require.False(t, (&StatusResult{Found: true, ConfirmationStatus: "finalized", Err: "AccountInUse"}).Confirmed())
}

func TestFinalStateTerminal(t *testing.T) {
	require.True(t, StateConfirmed.Terminal())
	require.True(t, StateFailedOnChain.Terminal())
	require.False(t, StateNotFound.Terminal())
	require.False(t, StateError.Terminal())
}
