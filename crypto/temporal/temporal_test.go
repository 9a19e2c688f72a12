package temporal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testWindow() TimeWindow {
	return TimeWindow{
		StartMs:             1_000_000,
		EndMs:               1_000_000 + 30*60*1000,
		RotationIntervalMin: 5,
		GracePeriodMs:       10_000,
	}
}

func TestTimeWindowValidate(t *testing.T) {
	require.NoError(t, testWindow().Validate())

	tooShort := testWindow()
	tooShort.EndMs = tooShort.StartMs + 2*60*1000
	require.Error(t, tooShort.Validate())

	nonDividing := testWindow()
	nonDividing.RotationIntervalMin = 7
	require.Error(t, nonDividing.Validate())

	graceTooLong := testWindow()
	graceTooLong.GracePeriodMs = int64(graceTooLong.RotationIntervalMin) * 60 * 1000
	require.Error(t, graceTooLong.Validate())
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("workspace-secret-material")
	w := testWindow()

	k1, err := DeriveKey(secret, w, "key-0")
	require.NoError(t, err)
	k2, err := DeriveKey(secret, w, "key-0")
	require.NoError(t, err)

	require.Equal(t, k1.Material, k2.Material)
	require.Less(t, k1.ValidFromMs, k1.ValidUntilMs)
	require.LessOrEqual(t, k1.ValidUntilMs, k1.GraceEndMs)
}

func TestDeriveKeyDiffersByOrdinalAndSecret(t *testing.T) {
	w := testWindow()
	k0, err := DeriveKey([]byte("s1"), w, "key-0")
	require.NoError(t, err)
	k1, err := DeriveKey([]byte("s1"), w, "key-1")
	require.NoError(t, err)
	require.NotEqual(t, k0.Material, k1.Material)

	kOther, err := DeriveKey([]byte("s2"), w, "key-0")
	require.NoError(t, err)
	require.NotEqual(t, k0.Material, kOther.Material)
}

func TestIsKeyValidGraceWindow(t *testing.T) {
	w := testWindow()
	// key-0 spans [start, start+5min), grace extends 10s past that.
	require.True(t, IsKeyValid("key-0", w.StartMs, w))
	require.True(t, IsKeyValid("key-0", w.StartMs+5*60*1000+5000, w))
	require.False(t, IsKeyValid("key-0", w.StartMs+5*60*1000+11000, w))
	require.False(t, IsKeyValid("key-0", w.StartMs-1, w))
}

func TestCurrentKeyID(t *testing.T) {
	w := testWindow()
	require.Equal(t, "key-0", CurrentKeyID(w, w.StartMs))
	require.Equal(t, "key-1", CurrentKeyID(w, w.StartMs+5*60*1000+1))
}

func TestDestroyZeroesMaterial(t *testing.T) {
	k, err := DeriveKey([]byte("secret"), testWindow(), "key-0")
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, k.Material)

	k.Destroy()
	require.Equal(t, [32]byte{}, k.Material)

	// idempotent
	k.Destroy()
	require.Equal(t, [32]byte{}, k.Material)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("secret"), testWindow(), "key-0")
	require.NoError(t, err)

	aad := []byte("aad-context")
	payload, err := Encrypt([]byte("hello workspace"), key, aad)
	require.NoError(t, err)

	plaintext, err := Decrypt(payload, key, aad)
	require.NoError(t, err)
	require.Equal(t, "hello workspace", string(plaintext))
}

func TestEncryptDecryptRejectsTampering(t *testing.T) {
	key, err := DeriveKey([]byte("secret"), testWindow(), "key-0")
	require.NoError(t, err)
	other, err := DeriveKey([]byte("other-secret"), testWindow(), "key-0")
	require.NoError(t, err)

	payload, err := Encrypt([]byte("data"), key, nil)
	require.NoError(t, err)

	_, err = Decrypt(payload, other, nil)
	require.Error(t, err)

	tampered := payload
	tampered.Ciphertext = append([]byte{}, payload.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	_, err = Decrypt(tampered, key, nil)
	require.Error(t, err)

	tamperedNonce := payload
	tamperedNonce.Nonce[0] ^= 0xFF
	_, err = Decrypt(tamperedNonce, key, nil)
	require.Error(t, err)

	_, err = Decrypt(payload, key, []byte("unexpected aad"))
	require.ErrorIs(t, err, ErrAADMismatch)

	mismatchedKeyID := payload
	mismatchedKeyID.KeyID = "key-99"
	_, err = Decrypt(mismatchedKeyID, key, nil)
	require.ErrorIs(t, err, ErrKeyIDMismatch)
}

func TestEncryptNoncesAreUnique(t *testing.T) {
	key, err := DeriveKey([]byte("secret"), testWindow(), "key-0")
	require.NoError(t, err)

	p1, err := Encrypt([]byte("same plaintext"), key, nil)
	require.NoError(t, err)
	p2, err := Encrypt([]byte("same plaintext"), key, nil)
	require.NoError(t, err)

	require.NotEqual(t, p1.Nonce, p2.Nonce)
}
