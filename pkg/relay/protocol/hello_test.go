package protocol

import (
	"errors"
	"testing"
)

func TestDecodeHello(t *testing.T) {
	h, err := DecodeHello([]byte(`{"type":"hello","client_type":"Conversation","session_id":" s1 ","call_id":"c1","topics":["support",""," billing "]}`))
	if err != nil {
		t.Fatalf("DecodeHello() error = %v", err)
	}
	if h.ClientType != "conversation" || h.SessionID != "s1" || h.CallID != "c1" {
		t.Fatalf("hello = %+v", h)
	}
	if len(h.Topics) != 2 || h.Topics[0] != "support" || h.Topics[1] != "billing" {
		t.Fatalf("topics = %v", h.Topics)
	}
}

func TestDecodeHello_TopicsOnly(t *testing.T) {
	h, err := DecodeHello([]byte(`{"type":"hello","client_type":"dashboard","topics":["alerts"]}`))
	if err != nil {
		t.Fatalf("DecodeHello() error = %v", err)
	}
	if h.SessionID != "" || len(h.Topics) != 1 {
		t.Fatalf("hello = %+v", h)
	}
}

func TestDecodeHello_Errors(t *testing.T) {
	cases := []struct {
		name      string
		frame     string
		wantParam string
	}{
		{name: "not hello", frame: `{"type":"message","session_id":"s1"}`, wantParam: "type"},
		{name: "unknown client type", frame: `{"type":"hello","client_type":"toaster","session_id":"s1"}`, wantParam: "client_type"},
		{name: "no target", frame: `{"type":"hello","client_type":"media"}`, wantParam: "session_id"},
		{name: "bad json", frame: `{`, wantParam: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHello([]byte(tc.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error type = %T", err)
			}
			if decodeErr.Param != tc.wantParam {
				t.Fatalf("param = %q, want %q", decodeErr.Param, tc.wantParam)
			}
		})
	}
}
