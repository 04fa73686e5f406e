// Package session runs the per-session conversation loop: transcripts
// in, turn decisions, conversation logic, synthesized playback out.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/relay/archive"
	"github.com/voxline/voxline/pkg/relay/collab"
	"github.com/voxline/voxline/pkg/relay/pool"
	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/turn"
)

// Broadcaster fans a message out to every local connection attached to
// a session. The connection registry satisfies it.
type Broadcaster interface {
	BroadcastSession(sessionID string, msg protocol.Message) int
}

// Publisher replicates a message to other nodes. The session bus
// satisfies it; nil means single-node operation.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, payload []byte, event string) error
}

type Dependencies struct {
	SessionID string
	CallID    string

	Turns     *turn.Controller
	Logic     collab.ConversationLogic
	Engines   *pool.Pool[collab.SpeechEngine]
	Call      collab.CallControl
	Archive   archive.Writer
	Broadcast Broadcaster
	Bus       Publisher
	Logger    *slog.Logger
}

// Runtime drives one session. Transcript handling is synchronous; the
// playback loop runs on its own goroutine so barge-in partials are
// never blocked behind synthesis.
type Runtime struct {
	deps   Dependencies
	logger *slog.Logger

	mu       sync.Mutex
	history  []collab.HistoryEntry
	speaking bool

	wg sync.WaitGroup
}

func New(deps Dependencies) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		deps:   deps,
		logger: logger.With("session_id", deps.SessionID),
	}
}

// HandleTranscript feeds one recognition event through the turn
// machine and acts on its decision.
func (rt *Runtime) HandleTranscript(ctx context.Context, ev collab.TranscriptEvent) {
	if ev.Final {
		d := rt.deps.Turns.HandleFinalTranscript(ctx, ev.Text)
		if d.ProcessFinal {
			rt.processTurn(ctx, ev.Text)
		}
		return
	}
	d := rt.deps.Turns.HandlePartialTranscript(ctx, ev.Text, ev.Confidence)
	if d.CancelPlayback {
		rt.cancelPlayback(ctx, d)
	}
}

// HandleUserText is the text-channel equivalent of a final transcript.
func (rt *Runtime) HandleUserText(ctx context.Context, text string) {
	d := rt.deps.Turns.HandleFinalTranscript(ctx, text)
	if d.ProcessFinal {
		rt.processTurn(ctx, text)
	}
}

func (rt *Runtime) cancelPlayback(ctx context.Context, d turn.Decision) {
	if rt.deps.Call != nil && rt.deps.CallID != "" {
		if err := rt.deps.Call.CancelAllMedia(ctx, rt.deps.CallID); err != nil {
			rt.logger.Warn("cancel media failed", "call_id", rt.deps.CallID, "error", err)
		}
	}
	rt.logger.Info("barge-in", "cleared_queue", d.ClearedQueue, "reason", d.Reason)
	rt.send(ctx, protocol.Message{
		Type:      protocol.TypeStatus,
		SessionID: rt.deps.SessionID,
		CallID:    rt.deps.CallID,
		Status:    "interrupted",
		Timestamp: time.Now().UTC(),
	})
}

func (rt *Runtime) processTurn(ctx context.Context, userText string) {
	if rt.deps.Logic == nil {
		rt.logger.Warn("no conversation logic configured, turn dropped")
		return
	}
	rt.mu.Lock()
	rt.history = append(rt.history, collab.HistoryEntry{Role: "user", Content: userText})
	history := make([]collab.HistoryEntry, len(rt.history))
	copy(history, rt.history)
	rt.mu.Unlock()

	rt.record(ctx, "user", userText, false)

	resp, err := rt.deps.Logic.ProcessTurn(ctx, collab.Turn{
		SessionID: rt.deps.SessionID,
		UserText:  userText,
		History:   history,
	})
	if err != nil {
		rt.logger.Error("conversation logic failed", "error", err)
		rt.send(ctx, protocol.Message{
			Type:         protocol.TypeError,
			SessionID:    rt.deps.SessionID,
			ErrorCode:    "logic_failed",
			ErrorMessage: "conversation logic unavailable",
			Timestamp:    time.Now().UTC(),
		})
		return
	}

	if resp.Handoff {
		rt.send(ctx, protocol.FormatHandoff(rt.deps.SessionID, "operator", resp.Text))
		rt.record(ctx, "assistant", resp.Text, false)
		return
	}
	if strings.TrimSpace(resp.Text) == "" {
		return
	}

	rt.mu.Lock()
	rt.history = append(rt.history, collab.HistoryEntry{Role: "assistant", Content: resp.Text})
	rt.mu.Unlock()

	rt.send(ctx, protocol.Message{
		Type:      protocol.TypeMessage,
		SessionID: rt.deps.SessionID,
		CallID:    rt.deps.CallID,
		Role:      "assistant",
		Content:   resp.Text,
		Timestamp: time.Now().UTC(),
	})
	rt.record(ctx, "assistant", resp.Text, false)

	rt.deps.Turns.EnqueueMessage(turn.QueuedMessage{Content: resp.Text, CallID: rt.deps.CallID})
	rt.startSpeaking(ctx)
}

// startSpeaking launches the playback loop unless one is running.
func (rt *Runtime) startSpeaking(ctx context.Context) {
	rt.mu.Lock()
	if rt.speaking {
		rt.mu.Unlock()
		return
	}
	rt.speaking = true
	rt.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.runSpeaker(ctx)
	}()
}

// runSpeaker drains the playback queue until it stays empty. The
// empty-queue check and the speaking-flag clear happen under the same
// lock a producer takes in startSpeaking, so an utterance enqueued
// while the loop is winding down is either picked up here or triggers
// a fresh loop; it is never stranded.
func (rt *Runtime) runSpeaker(ctx context.Context) {
	for {
		rt.speakLoop(ctx)

		rt.mu.Lock()
		if ctx.Err() != nil || rt.deps.Turns.QueueLen() == 0 {
			rt.speaking = false
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()
	}
}

func (rt *Runtime) speakLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := rt.deps.Turns.NextMessage()
		if !ok {
			return
		}
		rt.deps.Turns.HandlePlaybackStarted(ctx)
		if err := rt.play(ctx, msg); err != nil {
			rt.logger.Warn("playback failed", "error", err)
			rt.deps.Turns.HandlePlaybackFailed(ctx)
			continue
		}
		rt.deps.Turns.HandlePlaybackCompleted(ctx)
	}
}

func (rt *Runtime) play(ctx context.Context, msg turn.QueuedMessage) error {
	// Text-only deployments have no media path; the state machine still
	// has to advance.
	if rt.deps.Engines == nil || rt.deps.Call == nil || msg.CallID == "" {
		return nil
	}
	var audio []byte
	err := rt.deps.Engines.Lease(ctx, func(engine collab.SpeechEngine) error {
		out, synthErr := engine.Synthesize(ctx, msg.Content)
		audio = out
		return synthErr
	})
	if err != nil {
		return err
	}
	return rt.deps.Call.Play(ctx, msg.CallID, audio)
}

// send broadcasts locally, then replicates through the bus. A publish
// failure degrades to local-only delivery.
func (rt *Runtime) send(ctx context.Context, msg protocol.Message) {
	if rt.deps.Broadcast != nil {
		rt.deps.Broadcast.BroadcastSession(rt.deps.SessionID, msg)
	}
	if rt.deps.Bus == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		rt.logger.Error("encode outbound message", "error", err)
		return
	}
	if err := rt.deps.Bus.Publish(ctx, rt.deps.SessionID, data, msg.Type); err != nil {
		rt.logger.Warn("bus publish failed, delivered locally only", "error", err)
	}
}

func (rt *Runtime) record(ctx context.Context, role, content string, interrupted bool) {
	if rt.deps.Archive == nil || strings.TrimSpace(content) == "" {
		return
	}
	err := rt.deps.Archive.RecordTurn(ctx, archive.TurnRecord{
		SessionID:   rt.deps.SessionID,
		CallID:      rt.deps.CallID,
		Role:        role,
		Content:     content,
		Interrupted: interrupted,
		At:          time.Now().UTC(),
	})
	if err != nil {
		rt.logger.Warn("archive write failed", "error", err)
	}
}

// Wait blocks until the playback loop finishes. Used by shutdown.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}
