package model

import "time"

// Envelope carries the fields shared by every IPC response. Concrete
// payloads embed it so the server can stamp request metadata through the
// Responder interface without knowing the payload type.
type Envelope struct {
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	RequestID      string  `json:"request_id,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	DurationMS     float64 `json:"duration_ms,omitempty"`
}

// Responder is implemented by every response payload via the embedded
// Envelope.
type Responder interface {
	Finalize(requestID string, took time.Duration)
}

// Finalize stamps the server-side request id and elapsed time in
// milliseconds.
func (e *Envelope) Finalize(requestID string, took time.Duration) {
	e.RequestID = requestID
	e.ProcessingTime = float64(took.Microseconds()) / 1000.0
}

// Failed reports the outcome for callers that only see a Responder.
func (e *Envelope) Failed() (bool, string) { return !e.Success, e.Error }

// SetDuration records the client-side round-trip time in milliseconds.
func (e *Envelope) SetDuration(ms float64) { e.DurationMS = ms }

// Fail builds an error envelope from any error; the error kind sentinel
// stays the message prefix.
func Fail(err error) *Envelope {
	return &Envelope{Success: false, Error: err.Error()}
}

// SendResult answers a send_gps request.
type SendResult struct {
	Envelope
	Response    string `json:"response"`
	HexResponse string `json:"hex_response"`
	BytesSent   int    `json:"bytes_sent"`
	VehicleID   string `json:"vehicle_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// StatsResult answers get_stats.
type StatsResult struct {
	Envelope
	PoolSize          int                       `json:"pool_size"`
	MaxPoolSize       int                       `json:"max_pool_size"`
	ConnectionStats   map[string]EndpointCounts `json:"connection_stats"`
	ActiveConnections []string                  `json:"active_connections"`
	InstanceID        string                    `json:"instance_id"`
}

// MetricsResult answers get_metrics.
type MetricsResult struct {
	Envelope
	PoolSize    int    `json:"pool_size"`
	MaxPoolSize int    `json:"max_pool_size"`
	InstanceID  string `json:"instance_id"`
	UptimeS     int64  `json:"uptime_s"`
	MemoryUsage uint64 `json:"memory_usage"`
	PeakMemory  uint64 `json:"peak_memory"`
}

// CloseResult answers close_connection.
type CloseResult struct {
	Envelope
	Endpoint string `json:"endpoint"`
	Dropped  bool   `json:"dropped"`
}

// ConfigResult answers get_config with the sanitized effective settings.
type ConfigResult struct {
	Envelope
	Config map[string]any `json:"config"`
}

// HealthResult answers health_check.
type HealthResult struct {
	Envelope
	Status     HealthStatus    `json:"status"`
	InstanceID string          `json:"instance_id"`
	Timestamp  int64           `json:"timestamp"`
	Checks     map[string]bool `json:"checks"`
}
