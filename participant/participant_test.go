package participant

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/crypto/keys"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/transport/memory"
)

func testKeyPair(t *testing.T) sagecrypto.KeyPair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kp, err := keys.NewEd25519KeyPair(priv, "test")
	require.NoError(t, err)
	return kp
}

func TestAdmitAndGetSession(t *testing.T) {
	var joined, left []ids.ParticipantID
	mgr := NewManager(
		func(_ ids.WorkspaceID, p ids.ParticipantID) { joined = append(joined, p) },
		func(_ ids.WorkspaceID, p ids.ParticipantID) { left = append(left, p) },
	)

	wsID := ids.NewWorkspaceID()
	pID := ids.NewParticipantID()
	handle := memory.New("peer-1")
	kp := testKeyPair(t)

	sess := mgr.Admit(wsID, pID, kp, handle)
	require.NotNil(t, sess)
	require.Len(t, joined, 1)
	require.Equal(t, pID, joined[0])

	got, ok := mgr.GetSession(wsID, pID)
	require.True(t, ok)
	require.Equal(t, sess, got)
	require.Equal(t, 1, mgr.TotalParticipantCount())
}

func TestAdmitTakeoverClosesPriorHandle(t *testing.T) {
	mgr := NewManager(nil, nil)
	wsID := ids.NewWorkspaceID()
	pID := ids.NewParticipantID()
	kp := testKeyPair(t)

	first := memory.New("peer-1")
	mgr.Admit(wsID, pID, kp, first)

	second := memory.New("peer-1")
	mgr.Admit(wsID, pID, kp, second)

	require.True(t, first.IsClosed())
	require.Equal(t, 1, mgr.TotalParticipantCount())
}

func TestRemoveParticipantIsIdempotent(t *testing.T) {
	var left int
	mgr := NewManager(nil, func(_ ids.WorkspaceID, _ ids.ParticipantID) { left++ })
	wsID := ids.NewWorkspaceID()
	pID := ids.NewParticipantID()
	kp := testKeyPair(t)
	handle := memory.New("peer-1")

	mgr.Admit(wsID, pID, kp, handle)
	mgr.RemoveParticipant(wsID, pID)
	mgr.RemoveParticipant(wsID, pID)

	require.Equal(t, 1, left)
	require.True(t, handle.IsClosed())
	_, ok := mgr.GetSession(wsID, pID)
	require.False(t, ok)
}

func TestListWorkspaceParticipantsAndRemoveAll(t *testing.T) {
	mgr := NewManager(nil, nil)
	wsID := ids.NewWorkspaceID()
	otherWsID := ids.NewWorkspaceID()
	kp := testKeyPair(t)

	p1, p2, p3 := ids.NewParticipantID(), ids.NewParticipantID(), ids.NewParticipantID()
	mgr.Admit(wsID, p1, kp, memory.New("a"))
	mgr.Admit(wsID, p2, kp, memory.New("b"))
	mgr.Admit(otherWsID, p3, kp, memory.New("c"))

	list := mgr.ListWorkspaceParticipants(wsID)
	require.ElementsMatch(t, []ids.ParticipantID{p1, p2}, list)

	mgr.RemoveAllForWorkspace(wsID)
	require.Empty(t, mgr.ListWorkspaceParticipants(wsID))
	require.Equal(t, 1, mgr.TotalParticipantCount())
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	mgr := NewManager(nil, nil)
	wsID := ids.NewWorkspaceID()
	pID := ids.NewParticipantID()
	kp := testKeyPair(t)

	sess := mgr.Admit(wsID, pID, kp, memory.New("a"))
	before := sess.LastActivityMs
	mgr.Touch(wsID, pID)
	require.GreaterOrEqual(t, sess.LastActivityMs, before)
}
