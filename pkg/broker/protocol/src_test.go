package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/types"
	"github.com/freedm-dgi/broker/pkg/broker/wire"
)

func TestSRCSendSynMarksOutSyncAndWrites(t *testing.T) {
	w := &recordingWriter{}
	s := NewSRC(w, testLogger())

	require.NoError(t, s.SendSyn())
	assert.True(t, s.outSync)
	assert.Len(t, w.dataWrites(), 1)
}

func TestSRCSendRejectsExpiredMessage(t *testing.T) {
	s := NewSRC(&recordingWriter{}, testLogger())
	m := types.NewMessage("peer", types.ProtocolSRC).WithExpireIn(time.Now(), -time.Second)

	_, err := s.Send(m)
	assert.ErrorIs(t, err, types.ErrMessageExpired)
	assert.Empty(t, s.window)
}

func TestSRCReceiveInfersSyncOnFirstMessage(t *testing.T) {
	s := NewSRC(&recordingWriter{}, testLogger())
	require.False(t, s.inSync)

	m := types.NewMessage("peer", types.ProtocolSRC)
	m.Sequence = 0
	_, accept := s.Receive(m)

	assert.True(t, accept)
	assert.True(t, s.inSync)
	assert.EqualValues(t, 1, s.inResyncs)
}

func TestSRCReceiveSynDoesNotDeliver(t *testing.T) {
	s := NewSRC(&recordingWriter{}, testLogger())
	syn := types.NewMessage("", types.ProtocolSRC)
	syn.Properties["__syn"] = types.Leaf([]byte{1})

	_, accept := s.Receive(syn)
	assert.False(t, accept)
	assert.True(t, s.inSync)
}

func TestSRCKillRemovesWindowEntryAndNotifiesPeer(t *testing.T) {
	w := &recordingWriter{}
	s := NewSRC(w, testLogger())
	sent, err := s.Send(types.NewMessage("peer", types.ProtocolSRC))
	require.NoError(t, err)
	h := wire.Hash(sent)

	require.NoError(t, s.Kill(h))
	assert.Empty(t, s.window)
	assert.True(t, s.wasKilled(h))

	writes := w.dataWrites()
	require.NotEmpty(t, writes)
	assert.NotEmpty(t, writes[len(writes)-1].body)
}

func TestSRCReceiveHandlesKillNoticeWithoutDelivering(t *testing.T) {
	s := NewSRC(&recordingWriter{}, testLogger())
	notice := types.NewMessage("", types.ProtocolSRC)
	notice.Properties["__kill"] = types.Leaf(encodeHash(12345))

	_, accept := s.Receive(notice)
	assert.False(t, accept)
	assert.True(t, s.wasKilled(12345))
}

func TestSRCReceiveDropsLateDuplicateOfKilledHash(t *testing.T) {
	s := NewSRC(&recordingWriter{}, testLogger())
	s.inSync = true

	m := types.NewMessage("peer", types.ProtocolSRC)
	m.Sequence = 0
	h := wire.Hash(m)
	s.rememberKill(h)

	_, accept := s.Receive(m)
	assert.False(t, accept, "a message matching a remembered kill hash must not be redelivered")
}
