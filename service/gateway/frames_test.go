package gateway

import (
	"encoding/json"
	"testing"

	"github.com/EY-Engage/realtime-core/tools/errs"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"event","id":"1","namespace":"chat","event":"message.send","payload":{"body":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Type != FrameEvent || f.Namespace != "chat" || f.Event != "message.send" {
		t.Fatalf("bad frame: %+v", f)
	}

	if _, err := ParseFrame([]byte(`{`)); !errs.ErrPayloadInvalid.Is(err) {
		t.Fatalf("bad json: want payload invalid, got %v", err)
	}
	if _, err := ParseFrame([]byte(`{"id":"1"}`)); !errs.ErrPayloadInvalid.Is(err) {
		t.Fatalf("missing type: want payload invalid, got %v", err)
	}
}

func TestErrFrameCarriesCode(t *testing.T) {
	raw := ErrFrame("req-1", errs.ErrPermissionDenied.WithDetail("muted"))
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != FrameError || f.ID != "req-1" {
		t.Fatalf("bad frame: %+v", f)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Code != errs.ErrPermissionDenied.Code {
		t.Fatalf("code = %d, want %d", body.Code, errs.ErrPermissionDenied.Code)
	}
	// detail 不外露
	if body.Msg != errs.ErrPermissionDenied.Msg {
		t.Fatalf("msg = %q", body.Msg)
	}
}

func TestAckAndEventFrames(t *testing.T) {
	var ack Frame
	if err := json.Unmarshal(AckFrame("7", map[string]int{"n": 1}), &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ack.Type != FrameAck || ack.ID != "7" {
		t.Fatalf("bad ack: %+v", ack)
	}

	var evf Frame
	if err := json.Unmarshal(EventFrame("chat", "typing", json.RawMessage(`{"x":1}`)), &evf); err != nil {
		t.Fatalf("event: %v", err)
	}
	if evf.Namespace != "chat" || evf.Event != "typing" {
		t.Fatalf("bad event frame: %+v", evf)
	}
}
