package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "growthscript.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "user-1", "a@example.com")
	if err != nil {
		t.Fatalf("ensure#1: %v", err)
	}
	if u.Plan != PlanNone || u.ClientLimit != 0 {
		t.Fatalf("expected none/0, got %s/%d", u.Plan, u.ClientLimit)
	}

	if err := s.UpdateSubscription(ctx, "a@example.com", "core_agency", 5, "cus_1"); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	u, err = s.EnsureUser(ctx, "user-1", "a@example.com")
	if err != nil {
		t.Fatalf("ensure#2: %v", err)
	}
	if u.Plan != "core_agency" || u.ClientLimit != 5 {
		t.Fatalf("ensure must not reset an existing row, got %s/%d", u.Plan, u.ClientLimit)
	}

	n, err := s.count(ctx, "users", nil)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one users row, got %d", n)
	}
}

func TestUpdateSubscriptionMissingUser(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSubscription(context.Background(), "ghost@example.com", PlanNone, 0, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientCRUDAndOwnership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.InsertClient(ctx, Client{UserID: "u1", Name: "Acme", Industry: "Retail"})
	if err != nil {
		t.Fatalf("insert client: %v", err)
	}
	if string(c.BrandToneNotes) != "{}" {
		t.Fatalf("expected default notes {}, got %s", c.BrandToneNotes)
	}

	if _, err := s.GetClient(ctx, "u2", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}

	c.Name = "Acme Corp"
	c.BrandToneNotes = json.RawMessage(`{"notes":"bold"}`)
	updated, err := s.UpdateClient(ctx, c)
	if err != nil {
		t.Fatalf("update client: %v", err)
	}
	if updated.Name != "Acme Corp" || string(updated.BrandToneNotes) != `{"notes":"bold"}` {
		t.Fatalf("unexpected updated client %+v", updated)
	}

	c.UserID = "u2"
	if _, err := s.UpdateClient(ctx, c); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating foreign client, got %v", err)
	}

	n, err := s.CountClients(ctx, "u1")
	if err != nil {
		t.Fatalf("count clients: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 client, got %d", n)
	}
}

func TestDeleteClientCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keep, err := s.InsertClient(ctx, Client{UserID: "u1", Name: "Keep"})
	if err != nil {
		t.Fatalf("insert keep: %v", err)
	}
	drop, err := s.InsertClient(ctx, Client{UserID: "u1", Name: "Drop"})
	if err != nil {
		t.Fatalf("insert drop: %v", err)
	}
	for _, id := range []string{keep.ID, drop.ID} {
		if err := s.ReplaceProjectProfile(ctx, id, []float32{0.1, 0.2}); err != nil {
			t.Fatalf("profile: %v", err)
		}
		if _, err := s.CreateChat(ctx, Chat{ClientID: id, UserID: "u1", Name: "Chat"}); err != nil {
			t.Fatalf("chat: %v", err)
		}
	}

	if err := s.DeleteClientCascade(ctx, "u1", drop.ID); err != nil {
		t.Fatalf("delete cascade: %v", err)
	}

	if _, err := s.GetClient(ctx, "u1", drop.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted client gone, got %v", err)
	}
	if _, err := s.GetProjectProfile(ctx, drop.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted profile gone, got %v", err)
	}
	chats, err := s.ListChats(ctx, "u1", drop.ID)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected no chats for deleted client, got %d", len(chats))
	}

	if _, err := s.GetProjectProfile(ctx, keep.ID); err != nil {
		t.Fatalf("kept client profile missing: %v", err)
	}
	chats, err = s.ListChats(ctx, "u1", keep.ID)
	if err != nil {
		t.Fatalf("list kept chats: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected kept client chat, got %d", len(chats))
	}

	if err := s.DeleteClientCascade(ctx, "u1", drop.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, Chat{ClientID: "c1", UserID: "u1", Name: "Chat 1"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "u1", chat.ID, Message{Content: "hi", IsUser: true}); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "u1", chat.ID, Message{Content: "hello"}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	got, err := s.GetChat(ctx, "u1", chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if !got.Messages[0].IsUser || got.Messages[0].Content != "hi" || got.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.Messages[0].ID == "" || got.Messages[0].Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp assigned, got %+v", got.Messages[0])
	}

	if _, err := s.AppendMessage(ctx, "u2", chat.ID, Message{Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign chat, got %v", err)
	}
}

func TestRenameAndDeleteChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, Chat{ClientID: "c1", UserID: "u1", Name: "Chat 1"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := s.RenameChat(ctx, "u1", chat.ID, "Launch plan"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := s.GetChat(ctx, "u1", chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.Name != "Launch plan" {
		t.Fatalf("expected renamed chat, got %q", got.Name)
	}
	if err := s.DeleteChat(ctx, "u1", chat.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteChat(ctx, "u1", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureUser(ctx, "u1", "a@example.com"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := s.EnsureUser(ctx, "u2", "b@example.com"); err != nil {
		t.Fatalf("ensure other user: %v", err)
	}
	c, err := s.InsertClient(ctx, Client{UserID: "u1", Name: "Acme"})
	if err != nil {
		t.Fatalf("insert client: %v", err)
	}
	other, err := s.InsertClient(ctx, Client{UserID: "u2", Name: "Other"})
	if err != nil {
		t.Fatalf("insert other client: %v", err)
	}
	if _, err := s.CreateChat(ctx, Chat{ClientID: c.ID, UserID: "u1", Name: "Chat"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := s.UpsertMemory(ctx, MemoryEntry{ClientID: c.ID, UserID: "u1", Key: "tone", Value: json.RawMessage(`"bold"`)}); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}

	if err := s.DeleteUserData(ctx, "u1", "a@example.com"); err != nil {
		t.Fatalf("delete user data: %v", err)
	}

	if _, err := s.GetUserByEmail(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user removed, got %v", err)
	}
	if n, _ := s.CountClients(ctx, "u1"); n != 0 {
		t.Fatalf("expected no clients, got %d", n)
	}
	if n, _ := s.CountChats(ctx, "u1"); n != 0 {
		t.Fatalf("expected no chats, got %d", n)
	}
	if _, err := s.GetMemory(ctx, c.ID, "u1", "tone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected memory removed, got %v", err)
	}
	if _, err := s.GetClient(ctx, "u2", other.ID); err != nil {
		t.Fatalf("other user's client must survive: %v", err)
	}
	if _, err := s.GetUserByEmail(ctx, "b@example.com"); err != nil {
		t.Fatalf("other user must survive: %v", err)
	}
}

func TestFrameworksSearchAndCategory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertFrameworks(ctx, []Framework{
		{Title: "PAS", Summary: "Problem Agitate Solve", Category: "Copywriting", Tags: []string{"copy"}},
		{Title: "AIDA", Summary: "Attention Interest Desire Action", Category: "Copywriting"},
		{Title: "Flywheel", Summary: "Growth loop", Category: "Strategy"},
	})
	if err != nil {
		t.Fatalf("insert frameworks: %v", err)
	}

	all, err := s.ListFrameworks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Title != "AIDA" {
		t.Fatalf("expected 3 frameworks ordered by title, got %+v", all)
	}

	found, err := s.SearchFrameworks(ctx, "agitate")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Title != "PAS" {
		t.Fatalf("expected PAS, got %+v", found)
	}
	if len(found[0].Tags) != 1 || found[0].Tags[0] != "copy" {
		t.Fatalf("expected tags round trip, got %+v", found[0].Tags)
	}

	byCat, err := s.FrameworksByCategory(ctx, "Copywriting")
	if err != nil {
		t.Fatalf("by category: %v", err)
	}
	if len(byCat) != 2 {
		t.Fatalf("expected 2 copywriting frameworks, got %d", len(byCat))
	}
}

func TestMemoryUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertMemory(ctx, MemoryEntry{ClientID: "c1", UserID: "u1", Key: "goal", Value: json.RawMessage(`"grow"`)})
	if err != nil {
		t.Fatalf("upsert#1: %v", err)
	}
	second, err := s.UpsertMemory(ctx, MemoryEntry{ClientID: "c1", UserID: "u1", Key: "goal", Value: json.RawMessage(`{"target":10}`)})
	if err != nil {
		t.Fatalf("upsert#2: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected upsert to keep row id, got %s and %s", first.ID, second.ID)
	}
	if string(second.Value) != `{"target":10}` {
		t.Fatalf("unexpected value %s", second.Value)
	}

	entries, err := s.ListMemory(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("list memory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if err := s.DeleteMemory(ctx, "c1", "u1", "goal"); err != nil {
		t.Fatalf("delete memory: %v", err)
	}
}
