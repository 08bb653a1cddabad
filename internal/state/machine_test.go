package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineWakeSequence(t *testing.T) {
	m := NewMachine("g1", StateAsleep)
	assert.Equal(t, StateAsleep, m.CurrentState())

	require.True(t, m.CanTransition(EventWake))
	require.NoError(t, m.Trigger(EventWake))
	assert.Equal(t, StateWaking, m.CurrentState())

	// 唤醒中不能重复唤醒
	assert.False(t, m.CanTransition(EventWake))

	require.NoError(t, m.Trigger(EventOnline))
	assert.Equal(t, StateOnline, m.CurrentState())
}

func TestMachineInvalidTransition(t *testing.T) {
	m := NewMachine("g1", StateOnline)

	// 在线状态下没有 wake 事件
	assert.False(t, m.CanTransition(EventWake))
	assert.Error(t, m.Trigger(EventWake))
	assert.Equal(t, StateOnline, m.CurrentState())
}

func TestMachineDefaultsToOffline(t *testing.T) {
	m := NewMachine("g1", "")
	assert.Equal(t, StateOffline, m.CurrentState())
}

func TestSetStateAlignsWithReported(t *testing.T) {
	m := NewMachine("g1", StateOffline)

	m.SetState(StateOnline)
	assert.Equal(t, StateOnline, m.CurrentState())

	m.SetState(StateAsleep)
	assert.Equal(t, StateAsleep, m.CurrentState())

	m.SetState(StateOffline)
	assert.Equal(t, StateOffline, m.CurrentState())
}

// 唤醒进行中上游仍汇报 asleep/offline，状态机不回退
func TestSetStateKeepsWaking(t *testing.T) {
	m := NewMachine("g1", StateAsleep)
	require.NoError(t, m.Trigger(EventWake))

	m.SetState(StateAsleep)
	assert.Equal(t, StateWaking, m.CurrentState())

	m.SetState(StateOffline)
	assert.Equal(t, StateWaking, m.CurrentState())

	m.SetState(StateOnline)
	assert.Equal(t, StateOnline, m.CurrentState())
}

func TestStatusSnapshotIsCopy(t *testing.T) {
	m := NewMachine("g1", StateOnline)
	m.UpdateStatus(func(s *VehicleStatus) {
		s.BatteryLevel = 80
		s.VehicleName = "Besty"
	})

	snap := m.Status()
	assert.Equal(t, 80, snap.BatteryLevel)
	assert.Equal(t, StateOnline, snap.CurrentState)

	// 改副本不影响状态机内部数据
	snap.BatteryLevel = 1
	assert.Equal(t, 80, m.Status().BatteryLevel)
}

func TestManager(t *testing.T) {
	mgr := NewManager()

	_, ok := mgr.Get("g1")
	assert.False(t, ok)

	m1 := mgr.GetOrCreate("g1", StateAsleep)
	m2 := mgr.GetOrCreate("g1", StateOnline)
	assert.Same(t, m1, m2, "second GetOrCreate should return the existing machine")

	got, ok := mgr.Get("g1")
	require.True(t, ok)
	assert.Same(t, m1, got)

	mgr.Remove("g1")
	_, ok = mgr.Get("g1")
	assert.False(t, ok)
}
