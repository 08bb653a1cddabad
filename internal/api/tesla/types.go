package tesla

import (
	"encoding/json"
	"time"
)

// Token 上游认证令牌
// 对本服务而言是不透明凭据：原样存入授权记录，调用上游时原样带回
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// IsExpired 检查 token 是否过期（提前 5 分钟视为过期）
func (t *Token) IsExpired() bool {
	return time.Now().Unix() >= t.CreatedAt+t.ExpiresIn-300
}

// Vehicle 车辆基础信息
// 已知字段为具名字段，上游返回的其余字段原样保存在 Extra 中
type Vehicle struct {
	ID          int64  `json:"id"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"` // online, asleep, offline
	InService   bool   `json:"in_service"`

	Extra map[string]json.RawMessage `json:"-"`
}

// vehicleKnown 避免 UnmarshalJSON 递归的别名类型
type vehicleKnown Vehicle

// UnmarshalJSON 解析具名字段并把未识别的键收进 Extra
func (v *Vehicle) UnmarshalJSON(data []byte) error {
	var known vehicleKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range []string{"id", "vehicle_id", "vin", "display_name", "state", "in_service"} {
		delete(raw, key)
	}

	*v = Vehicle(known)
	if len(raw) > 0 {
		v.Extra = raw
	}
	return nil
}

// VehicleData 车辆完整数据
type VehicleData struct {
	ID           int64         `json:"id"`
	VehicleID    int64         `json:"vehicle_id"`
	VIN          string        `json:"vin"`
	DisplayName  string        `json:"display_name"`
	State        string        `json:"state"`
	ChargeState  *ChargeState  `json:"charge_state,omitempty"`
	ClimateState *ClimateState `json:"climate_state,omitempty"`
	GuiSettings  *GuiSettings  `json:"gui_settings,omitempty"`
	VehicleState *VehicleState `json:"vehicle_state,omitempty"`
}

// ChargeState 充电状态
type ChargeState struct {
	BatteryLevel       int     `json:"battery_level"`
	UsableBatteryLevel int     `json:"usable_battery_level"`
	BatteryRange       float64 `json:"battery_range"`  // 英里
	ChargingState      string  `json:"charging_state"` // Disconnected, Stopped, Charging, Complete
	ChargerPower       int     `json:"charger_power"`  // kW
	TimeToFullCharge   float64 `json:"time_to_full_charge"`
	Timestamp          int64   `json:"timestamp"`
}

// ClimateState 空调状态
type ClimateState struct {
	InsideTemp        *float64 `json:"inside_temp,omitempty"`  // 摄氏度
	OutsideTemp       *float64 `json:"outside_temp,omitempty"` // 摄氏度
	DriverTempSetting float64  `json:"driver_temp_setting"`
	IsClimateOn       bool     `json:"is_climate_on"`
	IsPreconditioning bool     `json:"is_preconditioning"`
	FanStatus         int      `json:"fan_status"`
	Timestamp         int64    `json:"timestamp"`
}

// GuiSettings 车机界面设置
type GuiSettings struct {
	GuiDistanceUnits    string `json:"gui_distance_units"`
	GuiTemperatureUnits string `json:"gui_temperature_units"` // C / F
	Gui24HourTime       bool   `json:"gui_24_hour_time"`
	Timestamp           int64  `json:"timestamp"`
}

// VehicleState 车辆状态
type VehicleState struct {
	Locked        bool    `json:"locked"`
	SentryMode    bool    `json:"sentry_mode"`
	IsUserPresent bool    `json:"is_user_present"`
	VehicleName   string  `json:"vehicle_name"`
	Odometer      float64 `json:"odometer"` // 英里
	Timestamp     int64   `json:"timestamp"`
}

// CommandResponse 远程指令执行结果
type CommandResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason,omitempty"`
}
