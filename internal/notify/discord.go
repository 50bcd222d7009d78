package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var colors = map[Severity]int{
	SeverityInfo:    0x3498db,
	SeveritySuccess: 0x27ae60,
	SeverityWarning: 0xff9900,
	SeverityError:   0xe74c3c,
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields,omitempty"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts notifications as embeds to a channel webhook.
type Discord struct {
	url string
	hc  *http.Client
	now func() time.Time
}

func NewDiscord(webhookURL string, hc *http.Client) *Discord {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{url: webhookURL, hc: hc, now: time.Now}
}

func (d *Discord) Notify(ctx context.Context, n Notification) error {
	color, ok := colors[n.Severity]
	if !ok {
		color = colors[SeverityInfo]
	}
	e := embed{
		Title:       truncate(n.Title, 256),
		Description: truncate(n.Description, 4096),
		Color:       color,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	for _, f := range n.Fields {
		e.Fields = append(e.Fields, embedField{
			Name:   truncate(f.Name, 256),
			Value:  truncate(f.Value, 1024),
			Inline: f.Inline,
		})
	}

	body, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.hc.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("discord webhook failed (status=%d): %s", res.StatusCode, b)
	}
	return nil
}
