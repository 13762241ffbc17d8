// Package chatstream talks to the external chat brain and turns its reply
// into ordered text fragments.
package chatstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"growthscript/internal/metrics"
)

const (
	ModeStream = "stream"
	ModeJSON   = "json"

	defaultTimeout   = 120 * time.Second
	defaultChunkSize = 24
	maxErrorBody     = 4 << 10
	maxReplyBody     = 8 << 20
	maxLineBytes     = 1 << 20
)

// Request is forwarded to the backend verbatim.
type Request struct {
	ClientID  string `json:"client_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	UserInput string `json:"user_input"`
}

// Callbacks receive the reply. OnData may fire any number of times, then
// exactly one of OnComplete or OnError fires.
type Callbacks struct {
	OnData     func(fragment string)
	OnComplete func()
	OnError    func(err error)
}

type Config struct {
	BaseURL      string
	Path         string
	Timeout      time.Duration
	ResponseMode string
	ChunkSize    int
	ChunkDelay   time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Client struct {
	endpoint   string
	timeout    time.Duration
	accept     string
	chunkSize  int
	chunkDelay time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Path == "" {
		cfg.Path = "/chat"
	}
	accept := "text/event-stream"
	if strings.EqualFold(cfg.ResponseMode, ModeJSON) {
		accept = "application/json"
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		timeout:    cfg.Timeout,
		accept:     accept,
		chunkSize:  cfg.ChunkSize,
		chunkDelay: cfg.ChunkDelay,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With().Str("component", "chatstream").Logger(),
		metrics:    m,
	}
}

// Stream performs one exchange and blocks until it ends. The returned error
// is the one handed to OnError, or nil after OnComplete.
func (c *Client) Stream(ctx context.Context, req Request, cb Callbacks) error {
	ex := &exchange{cb: cb, metrics: c.metrics}
	c.metrics.ChatStreams.Inc()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ex.fail(failedError(0, "Failed to encode chat request.", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ex.fail(failedError(0, "Failed to build chat request.", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", c.accept)

	ex.transition(StateRequestSent)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ex.fail(c.classify(ctx, err, ""))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ex.fail(statusError(resp))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err = c.replayJSON(ctx, resp.Body, ex)
	} else {
		err = c.readLines(ctx, resp.Body, ex)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("chat_id", req.ChatID).Str("kind", KindLabel(err)).Msg("chat exchange failed")
		return ex.fail(err)
	}

	ex.complete()
	return nil
}

func (c *Client) readLines(ctx context.Context, body io.Reader, ex *exchange) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		text, kind := parseLine(line)
		switch kind {
		case lineText:
			ex.emit(text)
		case lineSkip:
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, ":") {
				c.logger.Debug().Str("line", truncate(t, 200)).Msg("skipped line without reply text")
			}
		}
	}
	err := sc.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return failedError(0, "Received an oversized line from GrowthScript Brain service.", err)
	}
	return c.classify(ctx, err, readFailure)
}

func (c *Client) replayJSON(ctx context.Context, body io.Reader, ex *exchange) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxReplyBody))
	if err != nil {
		return c.classify(ctx, err, readFailure)
	}
	text, err := decodeReply(raw)
	if err != nil {
		if json.Valid(raw) {
			return failedError(0, "Received an unreadable reply from GrowthScript Brain service.", err)
		}
		// some backends label a line-delimited stream as JSON
		c.logger.Debug().Err(err).Msg("reply is not a single JSON document, decoding as lines")
		return c.readLines(ctx, bytes.NewReader(raw), ex)
	}

	var timer *time.Timer
	for i, chunk := range chunkRunes(text, c.chunkSize) {
		if i > 0 && c.chunkDelay > 0 {
			if timer == nil {
				timer = time.NewTimer(c.chunkDelay)
				defer timer.Stop()
			} else {
				timer.Reset(c.chunkDelay)
			}
			select {
			case <-ctx.Done():
				return c.classify(ctx, ctx.Err(), "")
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return c.classify(ctx, err, "")
		}
		ex.emit(chunk)
	}
	return nil
}

const readFailure = "Failed to read streaming response from server."

// classify maps a transport error onto the error taxonomy. An empty message
// reports anything that is not a timeout as a connection problem.
func (c *Client) classify(ctx context.Context, err error, message string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(c.timeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return failedError(0, "Chat request was cancelled.", err)
	}
	if message != "" {
		return failedError(0, message, err)
	}
	return unavailableError(err)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return failedError(resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
