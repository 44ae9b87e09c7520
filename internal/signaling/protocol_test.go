package signaling

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wovenlab/callsig/internal/coordinator"
)

func TestParseClientMessageValid(t *testing.T) {
	cases := []string{
		`{"version":1,"type":"login","name":"alice","password":"pw"}`,
		`{"version":1,"type":"join","name":"alice"}`,
		`{"version":1,"type":"online_users"}`,
		`{"version":1,"type":"call","target":"c2"}`,
		`{"version":1,"type":"answer","target":"c1","accept":true}`,
		`{"version":1,"type":"answer","target":"c1","accept":false}`,
		`{"version":1,"type":"hangup"}`,
		`{"version":1,"type":"leave"}`,
		`{"version":1,"type":"signal","target":"c2","data":{"sdp":"v=0"}}`,
		`{"version":1,"type":"abort_call","callId":"id"}`,
		`{"version":1,"type":"abort_all_calls"}`,
		`{"version":1,"type":"update_user","userId":"u1","balance":5,"canChat":true}`,
		`{"version":1,"type":"auth","apiKey":"k"}`,
		`{"version":1,"type":"auth","token":"t"}`,
	}
	for _, raw := range cases {
		if _, err := parseClientMessage([]byte(raw)); err != nil {
			t.Errorf("parse %s: %v", raw, err)
		}
	}
}

func TestParseClientMessageInvalid(t *testing.T) {
	cases := map[string]string{
		"missing version":        `{"type":"hangup"}`,
		"wrong version":          `{"version":2,"type":"hangup"}`,
		"unknown type":           `{"version":1,"type":"dance"}`,
		"unknown field":          `{"version":1,"type":"hangup","bogus":true}`,
		"trailing data":          `{"version":1,"type":"hangup"}{"version":1,"type":"leave"}`,
		"login missing password": `{"version":1,"type":"login","name":"alice"}`,
		"join missing name":      `{"version":1,"type":"join"}`,
		"call missing target":    `{"version":1,"type":"call"}`,
		"answer missing accept":  `{"version":1,"type":"answer","target":"c1"}`,
		"signal missing data":    `{"version":1,"type":"signal","target":"c2"}`,
		"abort missing id":       `{"version":1,"type":"abort_call"}`,
		"update missing fields":  `{"version":1,"type":"update_user","userId":"u1"}`,
		"auth missing cred":      `{"version":1,"type":"auth"}`,
		"not json":               `hello`,
	}
	for name, raw := range cases {
		if _, err := parseClientMessage([]byte(raw)); err == nil {
			t.Errorf("%s: parse %s succeeded", name, raw)
		}
	}
}

func TestEncodeEvent(t *testing.T) {
	payload, err := encodeEvent(coordinator.IncomingCall{From: "c1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Version != version1 || msg.Type != "incoming_call" {
		t.Fatalf("envelope = %+v", msg)
	}
	if !strings.Contains(string(msg.Event), `"from":"c1"`) {
		t.Fatalf("event body = %s", msg.Event)
	}
}
