package pushbullet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/m3rciful/pushgrab/core/logger"
)

const (
	component = "relay"

	maxBody = 4 << 20

	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client talks to the relay REST API. Calls pass through a circuit breaker
// that opens after repeated transport or 5xx failures.
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient builds a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("pushbullet: token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("pushbullet: base url is required")
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := opts.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "pushbullet",
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), component, "breaker.state",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{base: base, token: opts.Token, http: opts.HTTP, breaker: cb}, nil
}

// BreakerState exposes the breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, in, out any) error {
	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, endpoint, query, in)
	})

	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("action", method),
		slog.String("endpoint", endpoint),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		logger.Warn(ctx, component, "api.call", attrs...)
	} else {
		logger.Debug(ctx, component, "api.call", attrs...)
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("pushbullet: %s %s: circuit open: %w", method, endpoint, err)
		}
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("pushbullet: decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, query url.Values, in any) ([]byte, error) {
	u := c.base + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("pushbullet: encode %s: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("pushbullet: build %s: %w", endpoint, err)
	}
	req.Header.Set("Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pushbullet: %s %s: %s", method, endpoint, logger.Redact(err.Error()))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("pushbullet: read %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Endpoint: endpoint, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Type = eb.Error.Type
			apiErr.Message = eb.Error.Message
		}
		return nil, apiErr
	}
	return data, nil
}

// Devices lists the active devices of the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", url.Values{"active": {"true"}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// CreateDevice registers a new device with the given nickname.
func (c *Client) CreateDevice(ctx context.Context, nickname string) (Device, error) {
	in := struct {
		Nickname string `json:"nickname"`
		Icon     string `json:"icon"`
		HasSMS   bool   `json:"has_sms"`
	}{Nickname: nickname, Icon: "system"}
	var out Device
	if err := c.do(ctx, http.MethodPost, "/devices", nil, in, &out); err != nil {
		return Device{}, err
	}
	if out.Iden == "" {
		return Device{}, errors.New("pushbullet: created device has no iden")
	}
	return out, nil
}

// EnsureDevice returns the iden of the device named nickname, creating it
// when absent.
func (c *Client) EnsureDevice(ctx context.Context, nickname string) (string, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", fmt.Errorf("pushbullet: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Active && d.Nickname == nickname {
			logger.Info(ctx, component, "device.found",
				slog.String("device", d.Iden),
				slog.String("target", nickname),
			)
			return d.Iden, nil
		}
	}
	d, err := c.CreateDevice(ctx, nickname)
	if err != nil {
		return "", fmt.Errorf("pushbullet: create device: %w", err)
	}
	logger.Info(ctx, component, "device.created",
		slog.String("device", d.Iden),
		slog.String("target", nickname),
	)
	return d.Iden, nil
}

// ListPushes returns active pushes modified after the given unix time,
// newest first.
func (c *Client) ListPushes(ctx context.Context, modifiedAfter float64, limit int) ([]Push, error) {
	q := url.Values{
		"modified_after": {strconv.FormatFloat(modifiedAfter, 'f', -1, 64)},
		"active":         {"true"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Pushes []Push `json:"pushes"`
	}
	if err := c.do(ctx, http.MethodGet, "/pushes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Pushes, nil
}

// CreateNote sends a note push and returns the created push.
func (c *Client) CreateNote(ctx context.Context, n Note) (Push, error) {
	in := struct {
		Type             string `json:"type"`
		Body             string `json:"body"`
		SourceDeviceIden string `json:"source_device_iden,omitempty"`
		DeviceIden       string `json:"device_iden,omitempty"`
	}{Type: "note", Body: n.Body, SourceDeviceIden: n.SourceDevice, DeviceIden: n.TargetDevice}
	var out Push
	if err := c.do(ctx, http.MethodPost, "/pushes", nil, in, &out); err != nil {
		return Push{}, err
	}
	return out, nil
}

// DeletePush removes a push. A push that is already gone is not an error.
func (c *Client) DeletePush(ctx context.Context, iden string) error {
	if iden == "" {
		return errors.New("pushbullet: empty push iden")
	}
	err := c.do(ctx, http.MethodDelete, "/pushes/"+url.PathEscape(iden), nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}
