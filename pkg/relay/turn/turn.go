// Package turn runs the conversational turn-taking state machine:
// voice-activity debouncing, barge-in detection and the ordered
// playback queue for outbound speech.
package turn

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// State of the turn machine for one session.
type State string

const (
	StateIdle             State = "idle"
	StateBotSpeaking      State = "bot_speaking"
	StateInterruptPending State = "interrupt_pending"
	StateInterrupted      State = "interrupted"
)

// Decision tells the caller what must happen as a result of an input
// event. The controller never touches the transport itself; cancelling
// in-flight media is the call-control collaborator's job.
type Decision struct {
	CancelPlayback bool
	ClearedQueue   int
	ProcessFinal   bool
	Reason         string
}

// StateSink persists turn state so failover does not lose it mid-call.
// The session store satisfies it.
type StateSink interface {
	SetHash(ctx context.Context, sessionID string, fields map[string]string) error
}

type Config struct {
	// Threshold is how many consecutive qualifying partial transcripts
	// during bot speech trigger a barge-in.
	Threshold int
	// MinWords and MinConfidence qualify a partial transcript; anything
	// below either resets the debounce counter.
	MinWords      int
	MinConfidence float64
}

func (c *Config) fillDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.MinWords <= 0 {
		c.MinWords = 2
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
}

// QueuedMessage is one not-yet-spoken outbound utterance.
type QueuedMessage struct {
	Content string
	CallID  string
}

// Controller is the per-session turn machine. All methods are safe for
// concurrent use; transitions and queue mutations share one lock.
type Controller struct {
	cfg       Config
	sessionID string
	sink      StateSink
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	interruptCount int
	queue          []QueuedMessage
	processing     bool
}

func New(sessionID string, cfg Config, sink StateSink, logger *slog.Logger) *Controller {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		sessionID: sessionID,
		sink:      sink,
		logger:    logger,
		state:     StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) InterruptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptCount
}

// HandlePartialTranscript feeds one VAD/ASR partial into the debounce.
// Only qualifying partials (enough words, confident enough) count
// toward barge-in; a noisy partial resets the counter so background
// chatter never cancels playback.
func (c *Controller) HandlePartialTranscript(ctx context.Context, text string, confidence float64) Decision {
	c.mu.Lock()

	if c.state != StateBotSpeaking && c.state != StateInterruptPending {
		c.mu.Unlock()
		return Decision{}
	}

	if !c.qualifies(text, confidence) {
		c.interruptCount = 0
		c.state = StateBotSpeaking
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.persist(ctx, snap)
		return Decision{}
	}

	c.interruptCount++
	if c.interruptCount < c.cfg.Threshold {
		c.state = StateInterruptPending
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.persist(ctx, snap)
		return Decision{}
	}

	// Barge-in: the user has been talking over the bot persistently.
	c.interruptCount = 0
	c.state = StateInterrupted
	cleared := len(c.queue)
	c.queue = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snap)

	c.logger.Info("barge-in detected",
		"session_id", c.sessionID, "cleared_queue", cleared)
	return Decision{CancelPlayback: true, ClearedQueue: cleared, Reason: "barge_in"}
}

// HandleFinalTranscript resets the debounce and returns the machine to
// Idle; the finalized utterance is ready for conversation logic.
func (c *Controller) HandleFinalTranscript(ctx context.Context, text string) Decision {
	c.mu.Lock()
	c.interruptCount = 0
	c.state = StateIdle
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snap)
	return Decision{ProcessFinal: strings.TrimSpace(text) != ""}
}

func (c *Controller) HandlePlaybackStarted(ctx context.Context) {
	c.mu.Lock()
	c.state = StateBotSpeaking
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snap)
}

func (c *Controller) HandlePlaybackCompleted(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateBotSpeaking || c.state == StateInterruptPending {
		c.state = StateIdle
		c.interruptCount = 0
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snap)
}

func (c *Controller) HandlePlaybackFailed(ctx context.Context) {
	c.mu.Lock()
	c.state = StateIdle
	c.interruptCount = 0
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snap)
}

// EnqueueMessage appends an utterance to the playback queue. Responses
// are queued rather than played immediately so synthesized speech
// stays strictly ordered even when generation is asynchronous.
func (c *Controller) EnqueueMessage(msg QueuedMessage) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
}

// NextMessage dequeues the next utterance, marking the queue as being
// processed. ok is false when the queue is empty.
func (c *Controller) NextMessage() (QueuedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.processing = false
		return QueuedMessage{}, false
	}
	c.processing = true
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// ClearQueue discards all not-yet-started utterances.
func (c *Controller) ClearQueue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	c.queue = nil
	return n
}

func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) qualifies(text string, confidence float64) bool {
	words := len(strings.Fields(text))
	return words >= c.cfg.MinWords && confidence >= c.cfg.MinConfidence
}

type stateSnapshot struct {
	speaking       bool
	interruptCount int
}

func (c *Controller) snapshotLocked() stateSnapshot {
	return stateSnapshot{
		speaking:       c.state == StateBotSpeaking || c.state == StateInterruptPending,
		interruptCount: c.interruptCount,
	}
}

// persist writes bot_speaking and interrupt_count to the session store
// so a replica restart resumes with correct turn state. Called outside
// the lock; the store round-trip must not block other turn events.
func (c *Controller) persist(ctx context.Context, snap stateSnapshot) {
	if c.sink == nil {
		return
	}
	err := c.sink.SetHash(ctx, c.sessionID, map[string]string{
		"bot_speaking":    strconv.FormatBool(snap.speaking),
		"interrupt_count": strconv.Itoa(snap.interruptCount),
	})
	if err != nil {
		c.logger.Warn("turn state persist failed",
			"session_id", c.sessionID, "error", err)
	}
}
