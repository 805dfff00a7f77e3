package connection

import (
	"testing"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSendForcesFRAPosNegativeOne(t *testing.T) {
	m := NewManager(2)
	pos := m.AcquireSend(types.ConnectionSlot{Hostname: "h1", FRAPos: 7})
	require.NotEqual(t, -1, pos)

	slot, ok := m.Get(pos)
	require.True(t, ok)
	assert.Equal(t, -1, slot.FRAPos)
}

func TestAcquireFetchRejectsSecondConcurrentRetrieveOnSameDir(t *testing.T) {
	m := NewManager(2)
	pos, err := m.AcquireFetch(types.ConnectionSlot{Hostname: "h1", FRAPos: 3})
	require.NoError(t, err)
	require.NotEqual(t, -1, pos)

	_, err = m.AcquireFetch(types.ConnectionSlot{Hostname: "h2", FRAPos: 3})
	assert.Error(t, err)
}

func TestAcquireFetchAllowsDifferentDirsConcurrently(t *testing.T) {
	m := NewManager(2)
	_, err := m.AcquireFetch(types.ConnectionSlot{Hostname: "h1", FRAPos: 1})
	require.NoError(t, err)

	_, err = m.AcquireFetch(types.ConnectionSlot{Hostname: "h2", FRAPos: 2})
	assert.NoError(t, err)
}

func TestAcquireFetchFailsWhenTableFull(t *testing.T) {
	m := NewManager(1)
	_, err := m.AcquireFetch(types.ConnectionSlot{Hostname: "h1", FRAPos: 1})
	require.NoError(t, err)

	_, err = m.AcquireFetch(types.ConnectionSlot{Hostname: "h2", FRAPos: 2})
	assert.Error(t, err)
}

func TestReleaseClearsFetchGuardAndFreesSlot(t *testing.T) {
	m := NewManager(1)
	pos, err := m.AcquireFetch(types.ConnectionSlot{Hostname: "h1", FRAPos: 5})
	require.NoError(t, err)

	m.Release(pos)
	assert.Equal(t, 0, m.InUse())

	_, err = m.AcquireFetch(types.ConnectionSlot{Hostname: "h2", FRAPos: 5})
	assert.NoError(t, err)
}

func TestSetMsgNameUpdatesLiveSlot(t *testing.T) {
	m := NewManager(1)
	pos := m.AcquireSend(types.ConnectionSlot{Hostname: "h1"})

	assert.True(t, m.SetMsgName(pos, "msg-1"))
	slot, _ := m.Get(pos)
	assert.Equal(t, "msg-1", slot.MsgName)
}

func TestSetMsgNameRejectsFreeSlot(t *testing.T) {
	m := NewManager(1)
	assert.False(t, m.SetMsgName(0, "msg-1"))
}

func TestSetFSAPosUpdatesLiveSlot(t *testing.T) {
	m := NewManager(1)
	pos := m.AcquireSend(types.ConnectionSlot{Hostname: "h1"})

	assert.True(t, m.SetFSAPos(pos, 4))
	slot, _ := m.Get(pos)
	assert.Equal(t, 4, slot.FSAPos)
}

func TestInUseAndCapacity(t *testing.T) {
	m := NewManager(3)
	assert.Equal(t, 3, m.Capacity())
	assert.Equal(t, 0, m.InUse())

	m.AcquireSend(types.ConnectionSlot{Hostname: "h1"})
	assert.Equal(t, 1, m.InUse())
}
