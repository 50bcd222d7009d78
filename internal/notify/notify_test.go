package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordPostsEmbed(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, srv.Client())
	d.now = func() time.Time { return time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC) }

	err := d.Notify(context.Background(), Notification{
		Title:       "Réservations terminées",
		Description: "2 succès",
		Severity:    SeveritySuccess,
		Fields:      []Field{{Name: "Durée", Value: "3.2s", Inline: true}},
	})
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "Réservations terminées", e.Title)
	assert.Equal(t, 0x27ae60, e.Color)
	assert.Equal(t, "2026-10-15T18:00:00Z", e.Timestamp)
	assert.Equal(t, []embedField{{Name: "Durée", Value: "3.2s", Inline: true}}, e.Fields)
}

func TestDiscordErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, nil).Notify(context.Background(), Notification{Title: "x", Severity: SeverityError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDiscordTruncatesFieldValues(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, nil).Notify(context.Background(), Notification{
		Title:  "x",
		Fields: []Field{{Name: "Erreurs", Value: strings.Repeat("é", 2000)}},
	})
	require.NoError(t, err)
	assert.Len(t, []rune(got.Embeds[0].Fields[0].Value), 1024)
	assert.Equal(t, 0x3498db, got.Embeds[0].Color)
}

func TestTelegramSendsMessage(t *testing.T) {
	const token = "123:abc"
	var (
		mu   sync.Mutex
		sent []string
		chat []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+token+"/getMe", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"autoresa","username":"autoresa_bot"}}`)
	})
	mux.HandleFunc("/bot"+token+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		sent = append(sent, r.PostForm.Get("text"))
		chat = append(chat, r.PostForm.Get("chat_id"))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tg, err := NewTelegram(token, 42, srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	err = tg.Notify(context.Background(), Notification{
		Title:    "Place disponible",
		Severity: SeverityInfo,
		Fields:   []Field{{Name: "Places", Value: "1/24"}},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", chat[0])
	assert.Equal(t, "ℹ️ Place disponible\n\nPlaces: 1/24", sent[0])
}

type recordingNotifier struct {
	got []Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestCombine(t *testing.T) {
	assert.IsType(t, Nop{}, Combine())
	assert.IsType(t, Nop{}, Combine(nil))

	one := &recordingNotifier{}
	assert.Same(t, one, Combine(nil, one))

	failing := &recordingNotifier{err: errors.New("down")}
	m := Combine(one, failing)
	err := m.Notify(context.Background(), Notification{Title: "x"})
	assert.EqualError(t, err, "down")
	assert.Len(t, one.got, 1)
	assert.Len(t, failing.got, 1)
}
