package auth

import (
	"testing"

	"github.com/ephemera-project/ephemera/crypto/keys"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallengeIsRandom(t *testing.T) {
	c1, err := GenerateChallenge()
	require.NoError(t, err)
	c2, err := GenerateChallenge()
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)
}

func TestProofRoundTrip(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	participant := ids.NewParticipantID()
	challenge, err := GenerateChallenge()
	require.NoError(t, err)

	proof, err := GenerateProof(participant, kp, challenge, 1234)
	require.NoError(t, err)

	require.NoError(t, VerifyProof(proof, kp, challenge, participant))
}

func TestProofRejectsWrongKey(t *testing.T) {
	kpA, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	kpB, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	participant := ids.NewParticipantID()
	challenge, err := GenerateChallenge()
	require.NoError(t, err)

	proof, err := GenerateProof(participant, kpA, challenge, 1234)
	require.NoError(t, err)

	err = VerifyProof(proof, kpB, challenge, participant)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDifferentChallengesYieldDifferentSignatures(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	participant := ids.NewParticipantID()

	c1, err := GenerateChallenge()
	require.NoError(t, err)
	c2, err := GenerateChallenge()
	require.NoError(t, err)

	p1, err := GenerateProof(participant, kp, c1, 1)
	require.NoError(t, err)
	p2, err := GenerateProof(participant, kp, c2, 1)
	require.NoError(t, err)

	require.NotEqual(t, p1.Signature, p2.Signature)
}

func TestProofRejectsWrongParticipantID(t *testing.T) {
	kp, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	challenge, err := GenerateChallenge()
	require.NoError(t, err)

	proof, err := GenerateProof(ids.NewParticipantID(), kp, challenge, 1)
	require.NoError(t, err)

	err = VerifyProof(proof, kp, challenge, ids.NewParticipantID())
	require.ErrorIs(t, err, ErrAuthFailed)
}
