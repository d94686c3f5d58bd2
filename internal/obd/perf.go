package obd

import "time"

// PerformanceRecord is one sample from a performance-monitor device.
type PerformanceRecord struct {
	Timestamp time.Time `json:"timestamp"`
	RPM       float64   `json:"rpm"`
	Speed     float64   `json:"speed"`  // mph
	VE        float64   `json:"ve"`     // %
	MAF       float64   `json:"maf"`    // g/s
	Torque    float64   `json:"torque"` // Nm
	Boost     float64   `json:"boost"`  // psi
	AFR       float64   `json:"afr"`
	IAT       float64   `json:"iat"` // °C
	TPS       float64   `json:"tps"` // %
	GForce    float64   `json:"gForce"`
}
