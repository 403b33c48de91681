package bin

import "time"

type Bin struct {
	ID             string     `json:"id"`
	Label          string     `json:"label"`
	DeviceID       string     `json:"deviceId"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	CapacityLiters int        `json:"capacityLiters"`
	FillPercent    float64    `json:"fillPercent"`
	LastReportedAt *time.Time `json:"lastReportedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type BinInput struct {
	Label          string  `json:"label"`
	DeviceID       string  `json:"deviceId"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	CapacityLiters int     `json:"capacityLiters"`
}

type Reading struct {
	ID             string    `json:"id"`
	BinID          string    `json:"binId"`
	FillPercent    float64   `json:"fillPercent"`
	BatteryPercent *float64  `json:"batteryPercent,omitempty"`
	WeightKg       *float64  `json:"weightKg,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
}

type ReadingInput struct {
	FillPercent    float64  `json:"fillPercent"`
	BatteryPercent *float64 `json:"batteryPercent"`
	WeightKg       *float64 `json:"weightKg"`
}
