package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	msgs := []string{
		"how do channels close?",
		"",
		`{"format":"openai","content":[{"role":"user","content":"hi"}]}`,
	}

	for _, msg := range msgs {
		alice, err := GenerateKey()
		require.NoError(t, err)
		bob, err := GenerateKey()
		require.NoError(t, err)

		ct, err := Encrypt(msg, bob.PubKey(), alice)
		require.NoError(t, err)

		pt, err := Decrypt(ct, alice.PubKey(), bob)
		require.NoError(t, err)
		require.Equal(t, msg, pt)
	}
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	bob, err := GenerateKey()
	require.NoError(t, err)
	mallory, err := GenerateKey()
	require.NoError(t, err)

	ct, err := Encrypt("secret", bob.PubKey(), alice)
	require.NoError(t, err)

	_, err = Decrypt(ct, alice.PubKey(), mallory)
	require.Error(t, err)
	var de *DecryptError
	require.ErrorAs(t, err, &de)

	// Wrong sender pub, correct recipient, also must fail.
	_, err = Decrypt(ct, mallory.PubKey(), bob)
	require.Error(t, err)
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	bob, err := GenerateKey()
	require.NoError(t, err)

	ct, err := Encrypt("secret", bob.PubKey(), alice)
	require.NoError(t, err)

	tampered := ct + "x"
	_, err = Decrypt(tampered, alice.PubKey(), bob)
	require.Error(t, err)
}

func TestEncryptHexDecryptHexRoundTrip(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	bob, err := GenerateKey()
	require.NoError(t, err)

	ct, err := EncryptHex("payload", PubKeyHex(bob), alice)
	require.NoError(t, err)

	pt, err := DecryptHex(ct, PubKeyHex(alice), bob)
	require.NoError(t, err)
	require.Equal(t, "payload", pt)
}
