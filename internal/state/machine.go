package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 车辆唤醒状态常量
const (
	StateOnline  = "online"
	StateAsleep  = "asleep"
	StateOffline = "offline"
	StateWaking  = "waking"
)

// 事件常量
const (
	EventWake       = "wake"
	EventOnline     = "online"
	EventFallAsleep = "fall_asleep"
	EventGoOffline  = "go_offline"
)

// VehicleStatus 授权页面展示的车辆状态快照
type VehicleStatus struct {
	GrantID          string    `json:"-"`
	CurrentState     string    `json:"state"`
	Since            time.Time `json:"since"`
	VehicleName      string    `json:"vehicle_name"`
	BatteryLevel     int       `json:"battery_level"`
	ChargingState    string    `json:"charging_state"`
	IsClimateOn      bool      `json:"is_climate_on"`
	TempSetting      float64   `json:"temp_setting"`
	InsideTemp       *float64  `json:"inside_temp"`
	OutsideTemp      *float64  `json:"outside_temp"`
	TemperatureUnits string    `json:"gui_temperature_units"`
	Locked           bool      `json:"locked"`
}

// Machine 车辆唤醒状态机
// 跟踪某个授权对应车辆的 asleep → waking → online 过程
type Machine struct {
	mu      sync.RWMutex
	grantID string
	fsm     *fsm.FSM
	status  *VehicleStatus
}

// NewMachine 创建状态机
func NewMachine(grantID, initialState string) *Machine {
	if initialState == "" {
		initialState = StateOffline
	}

	m := &Machine{
		grantID: grantID,
		status: &VehicleStatus{
			GrantID:      grantID,
			CurrentState: initialState,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			{Name: EventWake, Src: []string{StateOffline, StateAsleep}, Dst: StateWaking},
			{Name: EventOnline, Src: []string{StateOffline, StateAsleep, StateWaking}, Dst: StateOnline},
			{Name: EventFallAsleep, Src: []string{StateOnline, StateWaking}, Dst: StateAsleep},
			{Name: EventGoOffline, Src: []string{StateOnline, StateAsleep, StateWaking}, Dst: StateOffline},
		},
		fsm.Callbacks{},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Status 获取完整状态快照（副本）
func (m *Machine) Status() *VehicleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statusCopy := *m.status
	statusCopy.CurrentState = m.fsm.Current()
	return &statusCopy
}

// UpdateStatus 更新状态数据
func (m *Machine) UpdateStatus(update func(s *VehicleStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.status)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.status.CurrentState = m.fsm.Current()
	m.status.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// SetState 按上游汇报的车辆状态对齐状态机
// 唤醒过程中上游仍报 asleep 时保持 waking，不回退
func (m *Machine) SetState(reported string) {
	current := m.CurrentState()
	switch reported {
	case StateOnline:
		if current != StateOnline {
			_ = m.Trigger(EventOnline)
		}
	case StateAsleep:
		if current == StateOnline {
			_ = m.Trigger(EventFallAsleep)
		}
	case StateOffline:
		if current != StateOffline && current != StateWaking {
			_ = m.Trigger(EventGoOffline)
		}
	}
}

// Manager 状态机管理器，按授权 ID 索引
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewManager 创建管理器
func NewManager() *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(grantID, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[grantID]; ok {
		return machine
	}

	machine := NewMachine(grantID, initialState)
	m.machines[grantID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(grantID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[grantID]
	return machine, ok
}

// Remove 移除状态机（授权过期或轮询停止时）
func (m *Manager) Remove(grantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, grantID)
}
