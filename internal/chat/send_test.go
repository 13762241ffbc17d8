package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"growthscript/internal/auth"
	"growthscript/internal/chatstream"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

type fakeStreamer struct {
	fragments []string
	err       error
	calls     int
	got       chatstream.Request
	during    func()
}

func (f *fakeStreamer) Stream(_ context.Context, req chatstream.Request, cb chatstream.Callbacks) error {
	f.calls++
	f.got = req
	for _, frag := range f.fragments {
		cb.OnData(frag)
	}
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		if cb.OnError != nil {
			cb.OnError(f.err)
		}
		return f.err
	}
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return nil
}

type recordingSink struct {
	chat      storage.Chat
	user      storage.Message
	fragments []string
	outcomes  []Outcome
}

func (r *recordingSink) Started(c storage.Chat, m storage.Message) { r.chat, r.user = c, m }
func (r *recordingSink) Fragment(text string)                      { r.fragments = append(r.fragments, text) }
func (r *recordingSink) Done(o Outcome)                            { r.outcomes = append(r.outcomes, o) }

var owner = auth.Session{UserID: "u1", Email: "owner@agency.test"}

func setup(t *testing.T, streamer *fakeStreamer, limiter Limiter) (*Service, *storage.Store, storage.Client) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chat.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c, err := store.InsertClient(context.Background(), storage.Client{UserID: owner.UserID, Name: "Acme"})
	if err != nil {
		t.Fatalf("insert client: %v", err)
	}
	svc := New(Config{Store: store, Streamer: streamer, Limiter: limiter, Logger: zerolog.Nop()})
	return svc, store, c
}

func TestSendCreatesChatAndSavesReply(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"Hel", "lo"}}
	svc, store, client := setup(t, streamer, nil)
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "hi there"}, sink)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Status != StatusSaved || out.Message.Content != "Hello" || out.Message.IsUser {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.HasPrefix(sink.chat.Name, "Chat ") || sink.user.Content != "hi there" || !sink.user.IsUser {
		t.Fatalf("unexpected start chat=%+v user=%+v", sink.chat, sink.user)
	}
	if strings.Join(sink.fragments, "") != "Hello" || len(sink.outcomes) != 1 {
		t.Fatalf("unexpected sink state %q %v", sink.fragments, sink.outcomes)
	}
	if streamer.got.ChatID != sink.chat.ID || streamer.got.ClientID != client.ID || streamer.got.UserID != owner.UserID || streamer.got.UserInput != "hi there" {
		t.Fatalf("unexpected backend request %+v", streamer.got)
	}

	stored, err := store.GetChat(ctx, owner.UserID, sink.chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(stored.Messages) != 2 || stored.Messages[0].Content != "hi there" || stored.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected stored messages %+v", stored.Messages)
	}

	// follow-up into the same chat appends
	if _, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, ChatID: sink.chat.ID, Content: "again"}, &recordingSink{}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	stored, _ = store.GetChat(ctx, owner.UserID, sink.chat.ID)
	if len(stored.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(stored.Messages))
	}
}

func TestSendFailureUsesApology(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"partial"}, err: &chatstream.Error{Kind: chatstream.ErrTimeout, Message: "Request timed out after 2 minutes. Please try again."}}
	svc, store, client := setup(t, streamer, nil)
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "hi"}, sink)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Status != StatusFailed || out.Message.Content != ApologyText || !errors.Is(out.Err, chatstream.ErrTimeout) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(sink.outcomes) != 1 || sink.outcomes[0].Status != StatusFailed {
		t.Fatalf("sink must be told once, got %v", sink.outcomes)
	}
	stored, _ := store.GetChat(ctx, owner.UserID, sink.chat.ID)
	if len(stored.Messages) != 1 || !stored.Messages[0].IsUser {
		t.Fatalf("apology must not be persisted, got %+v", stored.Messages)
	}
}

func TestSendReportsUnsavedReply(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"shown"}}
	svc, store, client := setup(t, streamer, nil)
	ctx := context.Background()
	sink := &recordingSink{}
	streamer.during = func() { _ = store.DeleteChat(ctx, owner.UserID, sink.chat.ID) }

	out, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "hi"}, sink)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Status != StatusUnsaved || out.Message.Content != "shown" || out.Notice == "" || out.Err == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSendGuards(t *testing.T) {
	streamer := &fakeStreamer{}
	svc, store, client := setup(t, streamer, nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "  "}, &recordingSink{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.Send(ctx, auth.Session{UserID: "intruder"}, SendRequest{ClientID: client.ID, Content: "hi"}, &recordingSink{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign client, got %v", err)
	}

	other, _ := store.InsertClient(ctx, storage.Client{UserID: owner.UserID, Name: "Globex"})
	foreign, _ := store.CreateChat(ctx, storage.Chat{ClientID: other.ID, UserID: owner.UserID, Name: "x"})
	if _, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, ChatID: foreign.ID, Content: "hi"}, &recordingSink{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for chat of another client, got %v", err)
	}
	if streamer.calls != 0 {
		t.Fatalf("guards must not reach the backend, got %d calls", streamer.calls)
	}
}

func TestSendRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	streamer := &fakeStreamer{fragments: []string{"ok"}}
	svc, _, client := setup(t, streamer, queue.NewRateLimiter(rdb, "chat", 1))
	ctx := context.Background()

	if _, err := svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "one"}, &recordingSink{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err = svc.Send(ctx, owner, SendRequest{ClientID: client.ID, Content: "two"}, &recordingSink{})
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Limit != 1 {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if streamer.calls != 1 {
		t.Fatalf("limited send must not reach the backend")
	}
}

func TestDefaultChatName(t *testing.T) {
	got := DefaultChatName(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	if got != "Chat 3/9/2024, 2:05:07 PM" {
		t.Fatalf("unexpected name %q", got)
	}
}
