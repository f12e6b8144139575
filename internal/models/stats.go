package models

// Stats is the snapshot returned by the status query
type Stats struct {
	OnlineCount        int `json:"onlineCount"`
	WaitingCount       int `json:"waitingCount"`
	ActiveSessionCount int `json:"activeSessionCount"`
}
