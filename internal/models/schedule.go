package models

import "fmt"

// ScheduleEntry is a daily feeding time owned by a user.
type ScheduleEntry struct {
	ID      int64 `json:"id"`
	UserID  int64 `json:"user_id"`
	Hour    int   `json:"hour"`
	Minute  int   `json:"minute"`
	Enabled bool  `json:"enabled"`
}

// TimeOfDay formats the entry as HH:MM.
func (s ScheduleEntry) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// ExecutionKey identifies one (user, hour, minute) occurrence.
type ExecutionKey struct {
	UserID int64
	Hour   int
	Minute int
}

func (k ExecutionKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.UserID, k.Hour, k.Minute)
}
