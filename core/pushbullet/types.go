// Package pushbullet adapts the Pushbullet relay: REST calls for devices and
// pushes, the realtime websocket stream, and the reply channel used by the
// session.
package pushbullet

import (
	"errors"
	"fmt"

	"github.com/m3rciful/pushgrab/core/session"
)

// Device is a relay device entry.
type Device struct {
	Iden     string `json:"iden"`
	Nickname string `json:"nickname"`
	Active   bool   `json:"active"`
	Icon     string `json:"icon,omitempty"`
}

// Push is the subset of a relay push the bot reads.
type Push struct {
	Iden             string  `json:"iden"`
	Type             string  `json:"type"`
	Active           bool    `json:"active"`
	Dismissed        bool    `json:"dismissed"`
	Created          float64 `json:"created"`
	Modified         float64 `json:"modified"`
	Body             string  `json:"body,omitempty"`
	Title            string  `json:"title,omitempty"`
	URL              string  `json:"url,omitempty"`
	FileURL          string  `json:"file_url,omitempty"`
	FileName         string  `json:"file_name,omitempty"`
	FileType         string  `json:"file_type,omitempty"`
	SourceDeviceIden string  `json:"source_device_iden,omitempty"`
	TargetDeviceIden string  `json:"target_device_iden,omitempty"`
}

// Raw maps the push onto the fields the session classifies.
func (p Push) Raw() session.Raw {
	return session.Raw{
		ID:       p.Iden,
		Peer:     p.SourceDeviceIden,
		URL:      p.URL,
		FileURL:  p.FileURL,
		FileName: p.FileName,
		Body:     p.Body,
	}
}

// Note is an outbound text push.
type Note struct {
	Body         string
	SourceDevice string
	TargetDevice string
}

// ErrStatus is matched by every *APIError.
var ErrStatus = errors.New("pushbullet: unexpected status")

// APIError reports a non-2xx REST response.
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pushbullet: %s %s: status %d", e.Method, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("pushbullet: %s %s: status %d: %s", e.Method, e.Endpoint, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return ErrStatus }

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// Temporary reports whether the failure says something about relay health
// rather than about the request.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
