package crdt

import (
	"testing"

	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/operation"
	"github.com/stretchr/testify/require"
)

func insertOp(participant ids.ParticipantID, seq uint64, pos int, content string, ts int64) operation.CRDTOperation {
	return operation.CRDTOperation{
		ID:            ids.OperationID{Participant: participant, Seq: seq},
		ParticipantID: participant,
		TimestampMs:   ts,
		Kind:          operation.KindInsert,
		Position:      pos,
		Content:       content,
	}
}

func deleteOp(participant ids.ParticipantID, seq uint64, pos int, length uint32, ts int64) operation.CRDTOperation {
	return operation.CRDTOperation{
		ID:            ids.OperationID{Participant: participant, Seq: seq},
		ParticipantID: participant,
		TimestampMs:   ts,
		Kind:          operation.KindDelete,
		Position:      pos,
		Length:        length,
	}
}

func TestHappyPathEditS1(t *testing.T) {
	p1 := ids.NewParticipantID()
	p2 := ids.NewParticipantID()

	r1 := NewText()
	r2 := NewText()

	op1 := insertOp(p1, 1, 0, "Hello", 100)
	op2 := insertOp(p2, 1, 5, ", world!", 200)

	r1.Apply(op1)
	r1.Apply(op2)
	r2.Apply(op1)
	r2.Apply(op2)

	require.Equal(t, "Hello, world!", r1.GetText())
	require.Equal(t, r1.GetText(), r2.GetText())
}

func TestConvergenceUnderConcurrencyS6(t *testing.T) {
	p1, p2, p3 := ids.NewParticipantID(), ids.NewParticipantID(), ids.NewParticipantID()
	ops := []operation.CRDTOperation{
		insertOp(p1, 1, 0, "A", 100),
		insertOp(p2, 1, 0, "B", 100),
		insertOp(p3, 1, 0, "C", 100),
	}

	// apply in two different orders on two replicas
	r1 := NewText()
	r1.Apply(ops[0])
	r1.Apply(ops[1])
	r1.Apply(ops[2])

	r2 := NewText()
	r2.Apply(ops[2])
	r2.Apply(ops[0])
	r2.Apply(ops[1])

	require.Equal(t, r1.GetText(), r2.GetText())
	for _, ch := range []string{"A", "B", "C"} {
		require.Contains(t, r1.GetText(), ch)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := ids.NewParticipantID()
	op := insertOp(p, 1, 0, "x", 10)

	text := NewText()
	text.Apply(op)
	text.Apply(op)
	text.Apply(op)

	require.Equal(t, "x", text.GetText())
}

func TestDeletePastEndIsNoOp(t *testing.T) {
	p := ids.NewParticipantID()
	text := NewText()
	text.Apply(insertOp(p, 1, 0, "hi", 1))
	text.Apply(deleteOp(p, 2, 5, 10, 2))

	require.Equal(t, "hi", text.GetText())
}

func TestStateRoundTripMerge(t *testing.T) {
	p := ids.NewParticipantID()
	src := NewText()
	src.Apply(insertOp(p, 1, 0, "hello", 1))
	src.Apply(insertOp(p, 2, 5, " world", 2))

	dst := NewText()
	dst.ApplyState(src.GetState())

	require.Equal(t, src.GetText(), dst.GetText())

	// idempotent merge
	dst.ApplyState(src.GetState())
	require.Equal(t, src.GetText(), dst.GetText())
}

func TestSyncEngineOperationsSinceStrictCutoffS7(t *testing.T) {
	p := ids.NewParticipantID()
	engine := NewSyncEngine()
	engine.Apply(insertOp(p, 1, 0, "a", 100))
	engine.Apply(insertOp(p, 2, 1, "b", 200))
	engine.Apply(insertOp(p, 3, 2, "c", 300))

	since := engine.OperationsSince(200)
	require.Len(t, since, 1)
	require.Equal(t, int64(300), since[0].TimestampMs)

	require.Len(t, engine.OperationsSince(99), 3)
	require.Empty(t, engine.OperationsSince(300))
}
