package zpay32

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func testSigner(priv *btcec.PrivateKey) MessageSigner {
	return MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, hash, true), nil
		},
	}
}

func TestInvoiceEncodeDecodeRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var paymentHash [32]byte
	copy(paymentHash[:], []byte("deadbeefdeadbeefdeadbeefdeadbee0"))

	amount := MilliSatoshi(50_000)
	inv, err := NewInvoice(
		&chaincfg.MainNetParams, paymentHash, time.Unix(1_700_000_000, 0),
		Amount(amount),
		Description("answer to: how do channels close?"),
		Expiry(10*time.Minute),
	)
	require.NoError(t, err)

	encoded, err := inv.Encode(testSigner(priv))
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, paymentHash, *decoded.PaymentHash)
	require.Equal(t, amount, *decoded.MilliSat)
	require.Equal(t, "answer to: how do channels close?", *decoded.Description)
	require.True(t, decoded.Destination.IsEqual(priv.PubKey()))
	require.Equal(t, 10*time.Minute, decoded.Expiry())
}

func TestInvoiceRequiresDescriptionOrHash(t *testing.T) {
	var paymentHash [32]byte
	_, err := NewInvoice(&chaincfg.MainNetParams, paymentHash, time.Now())
	require.Error(t, err)
}

func TestInvoiceRejectsBothDescriptionAndHash(t *testing.T) {
	var paymentHash [32]byte
	var descHash [32]byte
	_, err := NewInvoice(
		&chaincfg.MainNetParams, paymentHash, time.Now(),
		Description("x"), DescriptionHash(descHash),
	)
	require.Error(t, err)
}

func TestDecodeRejectsTamperedInvoice(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var paymentHash [32]byte
	copy(paymentHash[:], []byte("deadbeefdeadbeefdeadbeefdeadbee0"))

	inv, err := NewInvoice(
		&chaincfg.MainNetParams, paymentHash, time.Unix(1_700_000_000, 0),
		Amount(MilliSatoshi(1000)), Description("x"),
	)
	require.NoError(t, err)

	encoded, err := inv.Encode(testSigner(priv))
	require.NoError(t, err)

	tampered := encoded[:len(encoded)-2] + "qq"
	_, err = Decode(tampered)
	require.Error(t, err)
}
