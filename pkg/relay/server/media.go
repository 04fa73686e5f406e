package server

import (
	"context"
	"fmt"
	"time"

	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/registry"
)

// mediaControl drives the media legs of a call through the local
// connection table. Playback and cancellation are best effort per
// connection; an error means no media leg is attached at all.
type mediaControl struct {
	registry *registry.Registry
}

func (m mediaControl) CancelAllMedia(ctx context.Context, callID string) error {
	m.registry.BroadcastCall(callID, protocol.Message{
		Type:      protocol.TypeStatus,
		CallID:    callID,
		Status:    "cancel_playback",
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (m mediaControl) Play(ctx context.Context, callID string, audio []byte) error {
	n := m.registry.BroadcastCall(callID, protocol.Message{
		Type:      protocol.TypeAudio,
		CallID:    callID,
		Audio:     audio,
		Timestamp: time.Now().UTC(),
	})
	if n == 0 {
		return fmt.Errorf("no media connection for call %s", callID)
	}
	return nil
}
