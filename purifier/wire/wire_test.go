package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRequest_JSON(t *testing.T) {
	req := NewRequest("id-1", "data:image/png;base64,AAAA", "https://cdn/a.png", 2, "example.com")
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`"msg":"censorRequest"`,
		`"imageURL":"data:image/png;base64,AAAA"`,
		`"srcUrl":"https://cdn/a.png"`,
		`"id":"id-1"`,
		`"priority":2`,
		`"domain":"example.com"`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("missing %s in %s", want, data)
		}
	}
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		wantURL string
	}{
		{"ok", `{"msg":"setSrc","id":"a","censorURL":"https://cdn/c.jpg"}`, false, "https://cdn/c.jpg"},
		{"worker error", `{"msg":"setSrc","id":"a","censorURL":"https://cdn/c.jpg","error":"timeout"}`, false, "https://cdn/c.jpg"},
		{"other message", `{"msg":"ping","id":"a"}`, true, ""},
		{"no id", `{"msg":"setSrc","censorURL":"x"}`, true, ""},
		{"garbage", `{not json`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeResult([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", res)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.CensorURL != tt.wantURL {
				t.Errorf("censorURL = %q, want %q", res.CensorURL, tt.wantURL)
			}
		})
	}
}
