package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeMessage_KnownTypes(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "message defaults role",
			frame: `{"type":"message","session_id":"s1","content":"hello"}`,
			check: func(t *testing.T, m Message) {
				if m.Role != "user" {
					t.Fatalf("role = %q, want user", m.Role)
				}
			},
		},
		{
			name:  "status",
			frame: `{"type":"status","session_id":"s1","status":"connected"}`,
			check: func(t *testing.T, m Message) {
				if m.Status != "connected" {
					t.Fatalf("status = %q", m.Status)
				}
			},
		},
		{
			name:  "handoff",
			frame: `{"type":"handoff","handoff_target":"agent-desk"}`,
			check: func(t *testing.T, m Message) {
				if m.HandoffTarget != "agent-desk" {
					t.Fatalf("handoff_target = %q", m.HandoffTarget)
				}
			},
		},
		{
			name:  "ping",
			frame: `{"type":"ping"}`,
			check: func(t *testing.T, m Message) {},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := DecodeMessage([]byte(tc.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.check(t, m)
		})
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		param string
	}{
		{"not json", `{`, ""},
		{"missing type", `{"content":"x"}`, "type"},
		{"message without content", `{"type":"message"}`, "content"},
		{"handoff without target", `{"type":"handoff"}`, "handoff_target"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tc.frame))
			if err == nil {
				t.Fatalf("expected error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error type = %T", err)
			}
			if de.Param != tc.param {
				t.Fatalf("param = %q, want %q", de.Param, tc.param)
			}
		})
	}
}

func TestDecodeMessage_UnknownTypeKeepsRaw(t *testing.T) {
	frame := `{"type":"vendor_custom","foo":42}`
	m, err := DecodeMessage([]byte(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != "vendor_custom" {
		t.Fatalf("type = %q", m.Type)
	}
	if string(m.Raw) != frame {
		t.Fatalf("raw = %s", m.Raw)
	}
	if m.Class() != ClassStream {
		t.Fatalf("unknown types must be stream class")
	}
}

func TestMessageClass(t *testing.T) {
	control := []string{TypeStatus, TypeHandoff, TypeError}
	for _, typ := range control {
		if (Message{Type: typ}).Class() != ClassControl {
			t.Fatalf("%s should be control class", typ)
		}
	}
	stream := []string{TypeMessage, TypeTranscript, TypeAudio, TypeTyping, TypePing, TypePong}
	for _, typ := range stream {
		if (Message{Type: typ}).Class() != ClassStream {
			t.Fatalf("%s should be stream class", typ)
		}
	}
}

func TestDecodeMessage_Transcript(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"transcript","session_id":"s1","content":"stop please","confidence":0.92,"final":false}`))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if m.Content != "stop please" || m.Confidence != 0.92 || m.Final {
		t.Fatalf("transcript = %+v", m)
	}

	// Silence frames are legal: blank content, zero confidence.
	if _, err := DecodeMessage([]byte(`{"type":"transcript","session_id":"s1"}`)); err != nil {
		t.Fatalf("blank transcript rejected: %v", err)
	}
}

func TestFormatHandoff(t *testing.T) {
	m := FormatHandoff("s1", "tier2", "caller asked for a human")
	if m.Type != TypeHandoff {
		t.Fatalf("type = %q", m.Type)
	}
	if !strings.Contains(m.Content, "tier2") || !strings.Contains(m.Content, "caller asked for a human") {
		t.Fatalf("content = %q", m.Content)
	}
}
