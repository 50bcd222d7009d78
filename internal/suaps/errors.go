package suaps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrUnknownResponseShape is returned when a listing endpoint does not
// answer with a JSON array.
var ErrUnknownResponseShape = errors.New("suaps: unexpected response shape")

// AuthError means no session could be obtained for a card code.
type AuthError struct {
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("suaps login failed: %s", e.Detail)
	}
	return fmt.Sprintf("suaps login failed (status=%d): %s", e.Status, e.Detail)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transport failure, or an upstream answer that names one.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("suaps %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// QuotaFullError is returned when the platform rejects a booking because the
// occurrence has no seat left.
type QuotaFullError struct {
	Detail string
}

func (e *QuotaFullError) Error() string {
	return "suaps: quota full: " + e.Detail
}

// RejectedError is any other non-2xx answer to a booking.
type RejectedError struct {
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("suaps rejected reservation (status=%d): %s", e.Status, e.Detail)
}

const maxDetail = 500

// errorText reduces an upstream error body to something readable. HTML pages
// are stripped to their text and JSON bodies yield their message field.
func errorText(body []byte) string {
	b := bytes.TrimSpace(body)
	if len(b) == 0 {
		return ""
	}
	var text string
	switch b[0] {
	case '<':
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(b))
		if err == nil {
			text = doc.Find("title").First().Text()
			if bt := doc.Find("body").Text(); strings.TrimSpace(bt) != "" {
				text = strings.TrimSpace(text + " " + bt)
			}
		}
	case '{':
		var m struct {
			Message string `json:"message"`
			Error   string `json:"error"`
			Detail  string `json:"detail"`
		}
		if json.Unmarshal(b, &m) == nil {
			text = strings.TrimSpace(strings.Join([]string{m.Message, m.Error, m.Detail}, " "))
		}
	}
	if text == "" {
		text = string(b)
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxDetail {
		text = string(r[:maxDetail])
	}
	return text
}
