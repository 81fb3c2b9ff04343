package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseFrameType(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{`{"type":"request","method":"health"}`, FrameTypeRequest, false},
		{`{"type":"response","id":"1","ok":true}`, FrameTypeResponse, false},
		{`{"type":"event","event":"chat"}`, FrameTypeEvent, false},
		{`{"method":"health"}`, "", true},
		{`not json`, "", true},
	}
	for _, tt := range tests {
		got, err := ParseFrameType([]byte(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFrameType(%q) err = %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseFrameType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestResponseFrameWire(t *testing.T) {
	resp := NewOKResponse("req-1", map[string]string{"a": "b"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ResponseFrame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != "req-1" || !decoded.OK || decoded.Type != FrameTypeResponse {
		t.Fatalf("round trip lost fields: %+v", decoded)
	}

	errResp := NewErrorResponse("req-2", ErrForbidden, "nope")
	if errResp.Error == nil || errResp.Error.Code != ErrForbidden || errResp.OK {
		t.Fatalf("error response wrong: %+v", errResp)
	}
}
