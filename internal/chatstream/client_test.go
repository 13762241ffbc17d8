package chatstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	fragments []string
	completes int
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnData:     func(f string) { r.fragments = append(r.fragments, f) },
		OnComplete: func() { r.completes++ },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

func newTestClient(url string, mode string, timeout time.Duration) *Client {
	return New(Config{
		BaseURL:      url,
		Timeout:      timeout,
		ResponseMode: mode,
		ChunkSize:    3,
		ChunkDelay:   time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func TestStreamLineDelimitedReply(t *testing.T) {
	var gotReq Request
	var gotAccept, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		parts := []string{
			"data: {\"response\":\"Hel\"}\n",
			"data: lo\n: keep-alive\n\n",
			"data: {\"content\":\" wor",
			"ld\"}\n",
			"event: message\n",
			"data: [DONE]\n",
			"tail",
		}
		for _, p := range parts {
			_, _ = w.Write([]byte(p))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, ModeStream, 5*time.Second)
	rec := &recorder{}
	req := Request{ClientID: "c1", ChatID: "chat1", UserID: "u1", UserInput: "hi"}
	if err := c.Stream(context.Background(), req, rec.callbacks()); err != nil {
		t.Fatalf("stream: %v", err)
	}

	if gotReq != req {
		t.Fatalf("request forwarded incorrectly: %+v", gotReq)
	}
	if gotAccept != "text/event-stream" || gotContentType != "application/json" {
		t.Fatalf("unexpected headers accept=%q content-type=%q", gotAccept, gotContentType)
	}
	want := []string{"Hel", "lo", " world", "tail"}
	if strings.Join(rec.fragments, "|") != strings.Join(want, "|") {
		t.Fatalf("expected fragments %q, got %q", want, rec.fragments)
	}
	if rec.completes != 1 || len(rec.errs) != 0 {
		t.Fatalf("expected one completion and no errors, got completes=%d errs=%v", rec.completes, rec.errs)
	}
}

func TestStreamKeepsReadingAfterDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: a\ndata: [DONE]\ndata: b\n"))
	}))
	defer srv.Close()

	rec := &recorder{}
	if err := newTestClient(srv.URL, ModeStream, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks()); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(rec.fragments, "") != "ab" {
		t.Fatalf("expected ab, got %q", rec.fragments)
	}
}

func TestStreamToleratesMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{\"foo\":1}\n[1,2]\nnot json {\n42\ndata: null\n{\"text\":\"end\"}\n"))
	}))
	defer srv.Close()

	rec := &recorder{}
	if err := newTestClient(srv.URL, ModeStream, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks()); err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"not json {", "42", "end"}
	if strings.Join(rec.fragments, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, rec.fragments)
	}
	if rec.completes != 1 {
		t.Fatalf("expected completion, got %d", rec.completes)
	}
}

func TestStreamRechunksJSONReply(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"response":"héllo wörld"}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	if err := newTestClient(srv.URL, ModeJSON, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks()); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if gotAccept != "application/json" {
		t.Fatalf("expected json accept header, got %q", gotAccept)
	}
	// 11 runes at chunk size 3 => 4 fragments
	if len(rec.fragments) != 4 {
		t.Fatalf("expected 4 fragments, got %d: %q", len(rec.fragments), rec.fragments)
	}
	if strings.Join(rec.fragments, "") != "héllo wörld" {
		t.Fatalf("fragments do not rebuild reply: %q", rec.fragments)
	}
	if rec.completes != 1 || len(rec.errs) != 0 {
		t.Fatalf("expected single completion, got completes=%d errs=%v", rec.completes, rec.errs)
	}
}

func TestStreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: partial\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	err := newTestClient(srv.URL, ModeStream, 100*time.Millisecond).Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if rec.completes != 0 {
		t.Fatalf("completion must not fire after timeout")
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrTimeout) {
		t.Fatalf("expected exactly one timeout error, got %v", rec.errs)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %q", err.Error())
	}
}

func TestStreamTimeoutDuringReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"abcdefghijklmnopqrstuvwxyz"}`))
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:    srv.URL,
		Timeout:    50 * time.Millisecond,
		ChunkSize:  1,
		ChunkDelay: 20 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	rec := &recorder{}
	err := c.Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if rec.completes != 0 || len(rec.errs) != 1 {
		t.Fatalf("expected only one error callback, got completes=%d errs=%d", rec.completes, len(rec.errs))
	}
	if len(rec.fragments) == 0 || len(rec.fragments) >= 26 {
		t.Fatalf("expected a partial replay, got %d fragments", len(rec.fragments))
	}
}

func TestStreamNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	rec := &recorder{}
	err := newTestClient(srv.URL, ModeStream, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected generic failure, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502 in error, got %#v", err)
	}
	if err.Error() != "HTTP 502: upstream down" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if rec.completes != 0 || len(rec.errs) != 1 {
		t.Fatalf("expected one error callback, got completes=%d errs=%d", rec.completes, len(rec.errs))
	}
}

func TestStreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &recorder{}
	err := newTestClient(url, ModeStream, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if KindLabel(err) != "unavailable" {
		t.Fatalf("unexpected kind label %q", KindLabel(err))
	}
	if len(rec.errs) != 1 || rec.completes != 0 {
		t.Fatalf("expected one error callback, got errs=%d completes=%d", len(rec.errs), rec.completes)
	}
}

func TestStreamLinesLabelledAsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"response\":\"Hel\"}\n{\"response\":\"lo\"}\n"))
	}))
	defer srv.Close()

	rec := &recorder{}
	if err := newTestClient(srv.URL, ModeJSON, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks()); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(rec.fragments, "|") != "Hel|lo" {
		t.Fatalf("expected line fragments, got %q", rec.fragments)
	}
	if rec.completes != 1 || len(rec.errs) != 0 {
		t.Fatalf("expected one completion, got completes=%d errs=%v", rec.completes, rec.errs)
	}
}

func TestStreamJSONReplyWithoutText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	err := newTestClient(srv.URL, ModeJSON, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected failure for reply without text, got %v", err)
	}
	if len(rec.fragments) != 0 || rec.completes != 0 {
		t.Fatalf("expected no fragments or completion, got %q completes=%d", rec.fragments, rec.completes)
	}
}

func TestStreamRejectsOversizedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: ok\n"))
		_, _ = w.Write([]byte(strings.Repeat("x", maxLineBytes+16)))
	}))
	defer srv.Close()

	rec := &recorder{}
	err := newTestClient(srv.URL, ModeStream, 5*time.Second).Stream(context.Background(), Request{}, rec.callbacks())
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected failure for oversized line, got %v", err)
	}
	if strings.Join(rec.fragments, "") != "ok" {
		t.Fatalf("expected fragments before the oversized line, got %d fragments", len(rec.fragments))
	}
	if rec.completes != 0 || len(rec.errs) != 1 {
		t.Fatalf("expected one error callback, got completes=%d errs=%d", rec.completes, len(rec.errs))
	}
}
