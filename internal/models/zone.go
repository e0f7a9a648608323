package models

import (
	"fmt"
	"time"
)

// SafeZone 被监护人的安全区域（每人一个圆形区域）
type SafeZone struct {
	ID           int64     `json:"id"`
	PersonID     string    `json:"user_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	RadiusMeters int       `json:"radius_meters"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate 坐标范围与半径
func (z SafeZone) Validate() error {
	if z.Latitude < -90 || z.Latitude > 90 {
		return fmt.Errorf("latitude must be within -90..90, got %v", z.Latitude)
	}
	if z.Longitude < -180 || z.Longitude > 180 {
		return fmt.Errorf("longitude must be within -180..180, got %v", z.Longitude)
	}
	if z.RadiusMeters <= 0 {
		return fmt.Errorf("radius_meters must be positive, got %d", z.RadiusMeters)
	}
	return nil
}
