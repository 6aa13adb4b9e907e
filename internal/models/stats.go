package models

// StatusCounts is what the store knows about the queue.
type StatusCounts struct {
	Pending int64 `json:"pending"`
	Sending int64 `json:"sending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}

// Add accumulates a GROUP BY status row.
func (c *StatusCounts) Add(status EmailStatus, n int64) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusSending:
		c.Sending += n
	case StatusSent:
		c.Sent += n
	case StatusFailed:
		c.Failed += n
	}
	c.Total += n
}

// Stats is the coordinator view: store counts plus process-local state.
type Stats struct {
	StatusCounts
	FastPathSize int  `json:"fast_path_size"`
	WorkerCount  int  `json:"worker_count"`
	Running      bool `json:"running"`
}
