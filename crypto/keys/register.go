package keys

import (
	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/crypto/storage"
)

// init wires this package's concrete constructors into the crypto package's
// indirection points, avoiding an import cycle (crypto/keys already imports
// crypto, so crypto cannot import crypto/keys directly).
func init() {
	sagecrypto.SetKeyGenerators(
		func() (sagecrypto.KeyPair, error) { return GenerateEd25519KeyPair() },
		func() (sagecrypto.KeyPair, error) { return GenerateSecp256k1KeyPair() },
	)
	sagecrypto.SetStorageConstructors(func() sagecrypto.KeyStorage {
		return storage.NewMemoryKeyStorage()
	})
}
