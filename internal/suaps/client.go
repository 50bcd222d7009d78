// Package suaps is a client for the SUAPS sports booking platform.
//
// The platform is driven by its own web front-end, so requests carry browser
// like headers and authenticate with the accessToken cookie issued on login.
package suaps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL  = "https://u-sport.univ-nantes.fr"
	DefaultPeriodID = "4dc2c931-12c4-4cac-8709-c9bbb2513e16"

	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0"
	acceptLanguage = "fr,fr-FR;q=0.8,en-US;q=0.5,en;q=0.3"
)

const (
	pathLogin        = "/api/extended/cartes/auth/login"
	pathProfile      = "/api/individus/me"
	pathReservations = "/api/extended/reservation-creneaux"
	pathWeek         = "/api/extended/creneau-recurrents/semaine"
)

type Client struct {
	hc       *http.Client
	baseURL  string
	periodID string
	log      *zap.Logger
	now      func() time.Time
}

type Options struct {
	BaseURL    string
	PeriodID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func New(opts Options) *Client {
	c := &Client{
		hc:       opts.HTTPClient,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		periodID: opts.PeriodID,
		log:      opts.Logger,
		now:      time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.periodID == "" {
		c.periodID = DefaultPeriodID
	}
	if c.hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.hc = &http.Client{Timeout: timeout}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

func (c *Client) PeriodID() string { return c.periodID }

type request struct {
	method  string
	path    string
	query   any
	body    []byte
	cookie  string
	booking bool
}

// do performs one request and returns the response with its body fully read.
// A transport failure is always returned as *NetworkError.
func (c *Client) do(ctx context.Context, r request) (*http.Response, []byte, error) {
	rawURL := c.baseURL + r.path
	if r.query != nil {
		v, err := query.Values(r.query)
		if err != nil {
			return nil, nil, fmt.Errorf("encode query: %w", err)
		}
		rawURL += "?" + v.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, rawURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Cache-Control", "no-cache")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}
	if r.booking {
		req.Header.Set("Origin", c.baseURL)
		req.Header.Set("Referer", c.baseURL+"/activites")
	}

	start := time.Now()
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, &NetworkError{Op: r.method + " " + r.path, Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res, nil, &NetworkError{Op: r.method + " " + r.path, Err: err}
	}
	c.log.Debug("suaps request",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", res.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, b, nil
}

func ok(status int) bool { return status >= 200 && status < 300 }
