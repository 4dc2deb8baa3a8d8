package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/logging"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

type writeCall struct {
	sequence uint32
	ack      bool
	body     []byte
}

type recordingWriter struct {
	mu     sync.Mutex
	writes []writeCall
}

func (w *recordingWriter) Write(sequence uint32, ack bool, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, writeCall{sequence: sequence, ack: ack, body: body})
	return nil
}

func (w *recordingWriter) dataWrites() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []writeCall
	for _, c := range w.writes {
		if !c.ack {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() types.Logger { return logging.New(nil) }

func TestSUCSendWritesImmediatelyWhenWindowEmpty(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())

	sent, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)
	assert.EqualValues(t, 0, sent.Sequence)
	assert.Len(t, w.dataWrites(), 1)
}

func TestSUCSendQueuesWithoutWritingWhileWindowOccupied(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())

	_, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)
	sent, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)

	assert.EqualValues(t, 1, sent.Sequence)
	assert.Len(t, w.dataWrites(), 1, "second send should queue, not write, while the first is unacked")
	assert.Len(t, s.window, 2)
}

func TestSUCSendRejectsExpiredMessage(t *testing.T) {
	s := NewSUC(&recordingWriter{}, testLogger())
	m := types.NewMessage("peer", types.ProtocolSUC).WithExpireIn(time.Now(), -time.Second)

	_, err := s.Send(m)
	assert.ErrorIs(t, err, types.ErrMessageExpired)
	assert.Empty(t, s.window, "an expired message must never be enqueued on the window")
}

func TestSUCReceiveAcceptsInOrderMessage(t *testing.T) {
	s := NewSUC(&recordingWriter{}, testLogger())
	m := types.NewMessage("peer", types.ProtocolSUC)
	m.Sequence = 0

	_, accept := s.Receive(m)
	assert.True(t, accept)
	assert.EqualValues(t, 1, s.inSeq)
	assert.EqualValues(t, 0, s.acceptMod)
}

// TestSUCReceiveWidensWindowOnGapThenDropsLateDuplicate exercises scenario
// S2: sequence 0 is lost, sequence 1 arrives and is accepted by widening the
// accept window, and the late sequence 0 that eventually shows up is dropped
// because in_seq has already advanced past it.
func TestSUCReceiveWidensWindowOnGapThenDropsLateDuplicate(t *testing.T) {
	s := NewSUC(&recordingWriter{}, testLogger())

	gapFiller := types.NewMessage("peer", types.ProtocolSUC)
	gapFiller.Sequence = 1
	_, accept := s.Receive(gapFiller)
	require.True(t, accept)
	assert.EqualValues(t, 2, s.inSeq)
	assert.EqualValues(t, 1, s.acceptMod)

	late := types.NewMessage("peer", types.ProtocolSUC)
	late.Sequence = 0
	_, accept = s.Receive(late)
	assert.False(t, accept, "a sequence already passed by in_seq must be dropped, not reaccepted")
}

func TestSUCReceiveAckPopsWindowThroughAckedSequence(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())
	_, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)
	_, err = s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)
	require.Len(t, s.window, 2)

	ack := types.NewMessage("", types.ProtocolSUC)
	ack.Sequence = 0
	s.ReceiveAck(ack)

	require.Len(t, s.window, 1)
	assert.EqualValues(t, 1, s.window[0].message.Sequence)
}

func TestSUCTickResendsHeadAndDecrementsRetries(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())
	_, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)

	before := s.window[0].retriesRemaining
	s.Tick(time.Now())

	require.Len(t, s.window, 1)
	assert.Equal(t, before-1, s.window[0].retriesRemaining)
	assert.Len(t, w.dataWrites(), 2, "Tick should have resent the window head")
}

func TestSUCTickDropsExpiredHead(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())
	now := time.Now()
	m := types.NewMessage("peer", types.ProtocolSUC).WithExpireIn(now, time.Millisecond)
	_, err := s.Send(m)
	require.NoError(t, err)

	s.Tick(now.Add(10 * time.Millisecond))
	assert.Empty(t, s.window)
}

// TestSUCTickExhaustsRetriesAndFlagsUnreachable exercises scenario S3.
func TestSUCTickExhaustsRetriesAndFlagsUnreachable(t *testing.T) {
	w := &recordingWriter{}
	s := NewSUC(w, testLogger())
	_, err := s.Send(types.NewMessage("peer", types.ProtocolSUC))
	require.NoError(t, err)
	s.window[0].retriesRemaining = 0

	s.Tick(time.Now())

	assert.Empty(t, s.window)
	assert.True(t, s.Unreachable())
	assert.False(t, s.Unreachable(), "Unreachable must reset after being observed")
}
