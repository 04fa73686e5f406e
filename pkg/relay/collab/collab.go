// Package collab declares the external collaborators the orchestration
// core drives: speech engine, call control and conversation logic.
// They are consumed by interface; the implementations here are the
// defaults the process ships with and are swappable per deployment.
package collab

import "context"

// TranscriptEvent is one recognition result from the speech engine.
type TranscriptEvent struct {
	Text       string
	Confidence float64
	Final      bool
}

// SpeechEngine synthesizes and recognizes speech. Connections to it
// are expensive; handles are held in a resource pool.
type SpeechEngine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Recognize(ctx context.Context, audio <-chan []byte) (<-chan TranscriptEvent, error)
}

// CallControl is the telephony/media collaborator. The turn controller
// decides that cancellation must happen; CallControl performs it.
type CallControl interface {
	CancelAllMedia(ctx context.Context, callID string) error
	Play(ctx context.Context, callID string, audio []byte) error
}

// Turn is one user utterance plus the session context the conversation
// logic needs to answer it.
type Turn struct {
	SessionID string
	UserText  string
	History   []HistoryEntry
	Context   map[string]string
}

type HistoryEntry struct {
	Role    string
	Content string
}

// Response is the conversation logic's answer to a turn.
type Response struct {
	Text    string
	Handoff bool
}

// ConversationLogic produces the bot side of the conversation. It is
// business logic and deliberately opaque to the orchestration core.
type ConversationLogic interface {
	ProcessTurn(ctx context.Context, turn Turn) (Response, error)
}
