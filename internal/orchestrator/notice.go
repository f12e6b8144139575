package orchestrator

import "time"

// NoticeKind identifies what an observer is being told
type NoticeKind int

const (
	NoticeState NoticeKind = iota
	NoticeWaiting
	NoticeWarning
	NoticeError
	NoticeChat
	NoticeRemoteTrack
	NoticeUserCount
)

// Notice is delivered to the Observer from the orchestrator's loop. Only the
// fields relevant to Kind are set.
type Notice struct {
	Kind      NoticeKind
	State     State
	Err       *SessionError
	Text      string
	Track     Track
	Count     int
	Remaining time.Duration
}

// Observer must not block; it runs on the orchestrator's loop.
type Observer func(Notice)
