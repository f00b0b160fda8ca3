package task

// Stats 聚合任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Planned         int   `json:"planned"`
	Confirmed       int   `json:"confirmed"`
	Executing       int   `json:"executing"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Paused          int   `json:"paused"`
	Canceled        int   `json:"canceled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) count(status Status) {
	s.Total++
	switch status {
	case StatusPlanned:
		s.Planned++
	case StatusConfirmed:
		s.Confirmed++
	case StatusExecuting:
		s.Executing++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusPaused:
		s.Paused++
	case StatusCanceled:
		s.Canceled++
	}
}

func (s *Stats) observeUpdated(updatedAt int64) {
	if updatedAt == 0 {
		return
	}
	if s.OldestUpdatedAt == 0 || updatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updatedAt
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
}
