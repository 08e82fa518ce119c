package domain

import "time"

// UsageMetric captures the outcome of one instrumented operation.
type UsageMetric struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id,omitempty"`
	Endpoint      string        `json:"endpoint"`
	Method        string        `json:"method"`
	StatusCode    int           `json:"status_code"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	Error         string        `json:"error,omitempty"`
}

// Failed reports whether the status code counts as an error.
func (m UsageMetric) Failed() bool {
	return m.StatusCode >= 400
}

// LatencyMeasurement captures the timing of one operation.
type LatencyMeasurement struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	SessionID string        `json:"session_id,omitempty"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// ResourceSnapshot is a point-in-time view of host CPU and memory usage.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}
