package state

import (
	"sync"

	"robotcore/internal/domain"
)

// BatterySource names who reported a battery level.
type BatterySource string

const (
	BatteryRobot BatterySource = "robot"
	BatteryPhone BatterySource = "phone"
)

// Battery holds the latest battery and sensor telemetry. It raises one alert
// per source each time the level drops below the threshold.
type Battery struct {
	threshold int

	mu      sync.RWMutex
	levels  domain.BatteryLevels
	sensors domain.SensorReadings
	alerted map[BatterySource]bool
}

func NewBattery(threshold int) *Battery {
	if threshold <= 0 {
		threshold = 20
	}
	return &Battery{
		threshold: threshold,
		levels:    domain.BatteryLevels{Robot: -1, Phone: -1},
		sensors:   domain.SensorReadings{},
		alerted:   make(map[BatterySource]bool),
	}
}

// Update records a level and reports whether it should raise an alert.
func (b *Battery) Update(source BatterySource, level int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch source {
	case BatteryRobot:
		b.levels.Robot = level
	case BatteryPhone:
		b.levels.Phone = level
	default:
		return false
	}

	if level < 0 {
		return false
	}
	if level >= b.threshold {
		b.alerted[source] = false
		return false
	}
	if b.alerted[source] {
		return false
	}
	b.alerted[source] = true
	return true
}

// SetSensors replaces the last sensor readings.
func (b *Battery) SetSensors(readings domain.SensorReadings) {
	copied := make(domain.SensorReadings, len(readings))
	for k, v := range readings {
		copied[k] = v
	}
	b.mu.Lock()
	b.sensors = copied
	b.mu.Unlock()
}

// Snapshot returns the current levels and a copy of the sensor readings.
func (b *Battery) Snapshot() (domain.BatteryLevels, domain.SensorReadings) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sensors := make(domain.SensorReadings, len(b.sensors))
	for k, v := range b.sensors {
		sensors[k] = v
	}
	return b.levels, sensors
}
