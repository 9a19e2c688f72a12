package audit

import (
	"testing"

	"github.com/ephemera-project/ephemera/ids"
	"github.com/stretchr/testify/require"
)

func TestRecordAndDecryptRoundTrip(t *testing.T) {
	logger := NewLogger()
	ws := ids.NewWorkspaceID()

	event := Event{
		ID:          ids.OperationID{Participant: ids.NewParticipantID(), Seq: 1},
		WorkspaceID: ws,
		TimestampMs: 100,
		EventType:   EventWorkspaceCreated,
	}
	require.NoError(t, logger.Record(event))

	key, err := logger.GetAuditKey(ws)
	require.NoError(t, err)

	entries := logger.Entries(ws)
	require.Len(t, entries, 1)

	decoded, err := logger.Decrypt(ws, entries[0], *key)
	require.NoError(t, err)
	require.Equal(t, EventWorkspaceCreated, decoded.EventType)
}

func TestAuditKeysAreDistinctPerWorkspace(t *testing.T) {
	logger := NewLogger()
	wsA := ids.NewWorkspaceID()
	wsB := ids.NewWorkspaceID()

	keyA, err := logger.GetAuditKey(wsA)
	require.NoError(t, err)
	keyB, err := logger.GetAuditKey(wsB)
	require.NoError(t, err)

	require.NotEqual(t, *keyA, *keyB)
}

func TestDecryptingWithForeignKeyFails(t *testing.T) {
	logger := NewLogger()
	wsA := ids.NewWorkspaceID()
	wsB := ids.NewWorkspaceID()

	require.NoError(t, logger.Record(Event{WorkspaceID: wsA, EventType: EventParticipantJoined}))
	require.NoError(t, logger.Record(Event{WorkspaceID: wsB, EventType: EventParticipantJoined}))

	keyB, err := logger.GetAuditKey(wsB)
	require.NoError(t, err)

	entriesA := logger.Entries(wsA)
	require.Len(t, entriesA, 1)

	_, err = logger.Decrypt(wsA, entriesA[0], *keyB)
	require.Error(t, err)
}

func TestDeleteWorkspaceLogsRotatesKeyAndClearsEntries(t *testing.T) {
	logger := NewLogger()
	ws := ids.NewWorkspaceID()

	require.NoError(t, logger.Record(Event{WorkspaceID: ws, EventType: EventWorkspaceCreated}))
	oldKey, err := logger.GetAuditKey(ws)
	require.NoError(t, err)
	oldKeyCopy := *oldKey

	logger.DeleteWorkspaceLogs(ws)
	require.Empty(t, logger.Entries(ws))
	// the old key's backing material is zeroed in place on deletion
	require.Equal(t, [32]byte{}, *oldKey)
	require.NotEqual(t, oldKeyCopy, *oldKey)

	newKey, err := logger.GetAuditKey(ws)
	require.NoError(t, err)
	require.NotEqual(t, oldKeyCopy, *newKey)
}
