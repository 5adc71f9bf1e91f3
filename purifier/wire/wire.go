// Package wire defines the messages exchanged with the remote censoring
// worker. These are the public contract: a worker implementation imports
// this package to decode requests and encode results.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message tags.
const (
	MsgCensorRequest = "censorRequest"
	MsgSetSrc        = "setSrc"
)

// RedactedDomain replaces the page domain when domain hiding is on.
const RedactedDomain = "redacted"

// Request asks the worker to censor one asset. ImageURL carries either an
// inlined data URL or, when the bytes could not be read, the raw URL.
type Request struct {
	Msg      string `json:"msg"`
	ImageURL string `json:"imageURL"`
	SrcURL   string `json:"srcUrl"`
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Domain   string `json:"domain"`
}

// Result is the worker's answer for one request id. Error is informational:
// the result is applied with whatever CensorURL is supplied.
type Result struct {
	Msg       string `json:"msg"`
	ID        string `json:"id"`
	CensorURL string `json:"censorURL"`
	Error     string `json:"error,omitempty"`
}

// NewRequest builds a censorRequest message.
func NewRequest(id, imageURL, srcURL string, priority int, domain string) Request {
	return Request{
		Msg:      MsgCensorRequest,
		ImageURL: imageURL,
		SrcURL:   srcURL,
		ID:       id,
		Priority: priority,
		Domain:   domain,
	}
}

// DecodeResult parses a setSrc message. Messages with another tag are
// rejected so that shared channels can carry unrelated traffic.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("wire: decode result: %w", err)
	}
	if res.Msg != MsgSetSrc {
		return Result{}, fmt.Errorf("wire: unexpected message %q", res.Msg)
	}
	if res.ID == "" {
		return Result{}, fmt.Errorf("wire: result without id")
	}
	return res, nil
}
