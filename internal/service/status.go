package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/api/tesla"
	"github.com/langchou/teslagrant/internal/config"
	"github.com/langchou/teslagrant/internal/models"
	"github.com/langchou/teslagrant/internal/state"
	"github.com/langchou/teslagrant/internal/store"
	"github.com/langchou/teslagrant/pkg/ws"
)

// StatusService 车辆状态服务
// 为有 WebSocket 订阅者的授权维持一个轮询协程：唤醒车辆、拉取状态、
// 推送给订阅者；最后一个订阅者断开或授权过期时停止
type StatusService struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	hub     *ws.Hub
	manager *state.Manager

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
}

// NewStatusService 创建状态服务
func NewStatusService(cfg *config.Config, logger *zap.Logger, st *store.Store, hub *ws.Hub) *StatusService {
	return &StatusService{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		hub:     hub,
		manager: state.NewManager(),
		pollers: make(map[string]context.CancelFunc),
	}
}

// NewClient 按配置构建上游客户端并挂上授权记录里的令牌
func (s *StatusService) NewClient(token *tesla.Token) *tesla.Client {
	client := tesla.NewClient(
		s.cfg.TeslaAuthHost,
		s.cfg.TeslaAPIHost,
		s.cfg.TeslaClientID,
		s.cfg.TeslaClientSecret,
	)
	client.SetToken(token)
	return client
}

// FetchStatus 拉取一次车辆状态快照
// 车辆不在线时先触发唤醒；拉取失败时返回已有快照和错误，调用方
// 据错误类型决定是 403 还是降级响应
func (s *StatusService) FetchStatus(ctx context.Context, grant *models.Grant) (*state.VehicleStatus, error) {
	if s.cfg.WakeUpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WakeUpTimeout)
		defer cancel()
	}

	machine := s.manager.GetOrCreate(grant.ID, "")
	client := s.NewClient(&grant.Token)

	vehicle, err := client.GetVehicle(ctx, grant.VehicleID)
	if err != nil {
		return nil, err
	}

	machine.SetState(vehicle.State)
	machine.UpdateStatus(func(st *state.VehicleStatus) {
		st.VehicleName = vehicle.DisplayName
	})

	if vehicle.State != state.StateOnline {
		if machine.CanTransition(state.EventWake) {
			_ = machine.Trigger(state.EventWake)
		}
		if _, err := client.WakeUp(ctx, grant.VehicleID); err != nil {
			return machine.Status(), err
		}
	}

	data, err := client.GetVehicleData(ctx, grant.VehicleID)
	if err != nil {
		return machine.Status(), err
	}

	machine.SetState(state.StateOnline)
	machine.UpdateStatus(func(st *state.VehicleStatus) {
		if data.ChargeState != nil {
			st.BatteryLevel = data.ChargeState.BatteryLevel
			st.ChargingState = data.ChargeState.ChargingState
		}
		if data.ClimateState != nil {
			st.IsClimateOn = data.ClimateState.IsClimateOn
			st.TempSetting = data.ClimateState.DriverTempSetting
			st.InsideTemp = data.ClimateState.InsideTemp
			st.OutsideTemp = data.ClimateState.OutsideTemp
		}
		if data.GuiSettings != nil {
			st.TemperatureUnits = data.GuiSettings.GuiTemperatureUnits
		}
		if data.VehicleState != nil {
			st.Locked = data.VehicleState.Locked
			if data.VehicleState.VehicleName != "" {
				st.VehicleName = data.VehicleState.VehicleName
			}
		}
	})

	return machine.Status(), nil
}

// StartPolling 为授权启动状态轮询（幂等）
func (s *StatusService) StartPolling(grantID string) {
	s.mu.Lock()
	if _, ok := s.pollers[grantID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[grantID] = cancel
	s.mu.Unlock()

	s.logger.Info("Starting status polling", zap.String("grant_id", grantID))
	go s.pollLoop(ctx, grantID)
}

// StopPolling 停止授权的状态轮询
func (s *StatusService) StopPolling(grantID string) {
	s.mu.Lock()
	cancel, ok := s.pollers[grantID]
	if ok {
		delete(s.pollers, grantID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		s.manager.Remove(grantID)
		s.logger.Info("Stopped status polling", zap.String("grant_id", grantID))
	}
}

// pollLoop 轮询协程主体
func (s *StatusService) pollLoop(ctx context.Context, grantID string) {
	ticker := time.NewTicker(s.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx, grantID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce 单次轮询：取记录、校验访问窗口、拉状态、推送
func (s *StatusService) pollOnce(ctx context.Context, grantID string) {
	grant, err := s.store.Get(ctx, grantID)
	if errors.Is(err, store.ErrNotFound) {
		s.StopPolling(grantID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load grant for polling", zap.String("grant_id", grantID), zap.Error(err))
		return
	}

	now := time.Now().Unix()
	if grant.Expired(now) {
		if _, err := s.store.Delete(ctx, grantID); err != nil {
			s.logger.Error("Failed to delete expired grant", zap.String("grant_id", grantID), zap.Error(err))
		}
		s.StopPolling(grantID)
		return
	}
	if !grant.Active(now) {
		// 访问窗口还没开始
		return
	}

	status, err := s.FetchStatus(ctx, grant)
	if errors.Is(err, tesla.ErrAuthentication) {
		s.logger.Warn("Upstream authentication failed, stopping polling", zap.String("grant_id", grantID))
		s.hub.BroadcastError(grantID, "authentication failed")
		s.StopPolling(grantID)
		return
	}
	if err != nil {
		s.logger.Info("Remote API error during polling", zap.String("grant_id", grantID), zap.Error(err))
		return
	}

	s.hub.BroadcastStatusUpdate(grantID, status)
}
