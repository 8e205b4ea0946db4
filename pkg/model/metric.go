package model

// MetricRecord is one measurement published on the internal metric bus and,
// when the external cache is enabled, forwarded there.
type MetricRecord struct {
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
}
