package comms

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func userMsg(channel, content string) *Message {
	return &Message{Type: TypeUser, From: "alice", ChannelID: channel, Content: content}
}

func TestInMemoryTransport_SubscribeUnsubscribe(t *testing.T) {
	tr := NewInMemoryTransport()
	ctx := context.Background()

	var received int32
	unsub := tr.Subscribe("general", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	if _, err := tr.Post(ctx, userMsg("general", "hello")); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := tr.Post(ctx, userMsg("random", "elsewhere")); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	unsub()
	unsub()
	if _, err := tr.Post(ctx, userMsg("general", "again")); err != nil {
		t.Fatalf("Post after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryTransport_PostRequiresChannel(t *testing.T) {
	tr := NewInMemoryTransport()
	if _, err := tr.Post(context.Background(), &Message{Content: "x"}); err == nil {
		t.Fatal("expected error without channel")
	}
}

func TestInMemoryTransport_ReplyThreads(t *testing.T) {
	tr := NewInMemoryTransport()
	ctx := context.Background()

	root, err := tr.Post(ctx, userMsg("general", "question"))
	if err != nil {
		t.Fatal(err)
	}
	if root.ID == "" || root.Thread() != root.ID {
		t.Fatalf("top-level message should start its own thread: %+v", root)
	}

	reply, err := tr.Reply(ctx, root, &Message{From: "bot", Content: "answer"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.ThreadID != root.ID || reply.ReplyTo != root.ID || reply.ChannelID != "general" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Type != TypeAgent {
		t.Errorf("reply type = %q, want agent", reply.Type)
	}
	if reply.ContextKey() != root.ContextKey() {
		t.Errorf("ContextKey mismatch: %q vs %q", reply.ContextKey(), root.ContextKey())
	}

	if _, err := tr.Post(ctx, userMsg("general", "unrelated")); err != nil {
		t.Fatal(err)
	}
	thread, err := tr.History("general", root.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 2 || thread[0].Content != "question" || thread[1].Content != "answer" {
		t.Errorf("thread history = %+v", thread)
	}
	all, err := tr.History("general", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].Content != "unrelated" {
		t.Errorf("channel history = %+v", all)
	}
}

func TestInMemoryTransport_UpdatePost(t *testing.T) {
	tr := NewInMemoryTransport()
	ctx := context.Background()

	var deliveries int32
	tr.Subscribe("general", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&deliveries, 1)
		return nil
	})

	status, err := tr.Post(ctx, &Message{ChannelID: "general", Content: "Working..."})
	if err != nil {
		t.Fatal(err)
	}
	edited, err := tr.UpdatePost(ctx, status.ID, "Done")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "Done" || edited.EditedAt == nil {
		t.Errorf("edited = %+v", edited)
	}
	got, ok := tr.Get(status.ID)
	if !ok || got.Content != "Done" {
		t.Errorf("Get after edit = %+v", got)
	}
	if atomic.LoadInt32(&deliveries) != 1 {
		t.Errorf("edits must not be redelivered: deliveries = %d", deliveries)
	}

	if _, err := tr.UpdatePost(ctx, "missing", "x"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("UpdatePost unknown: err = %v, want ErrUnknownMessage", err)
	}
}

func TestInMemoryTransport_HandlerErrorsAreJoined(t *testing.T) {
	tr := NewInMemoryTransport()
	boom := errors.New("boom")
	tr.Subscribe("general", func(_ context.Context, _ *Message) error { return boom })

	msg, err := tr.Post(context.Background(), userMsg("general", "x"))
	if !errors.Is(err, boom) {
		t.Errorf("Post error = %v, want boom", err)
	}
	if msg == nil || msg.ID == "" {
		t.Error("message should still be recorded")
	}
}

func TestInMemoryTransport_HistoryCap(t *testing.T) {
	tr := NewInMemoryTransport()
	tr.maxHist = 3
	ctx := context.Background()
	var first *Message
	for i := 0; i < 5; i++ {
		m, err := tr.Post(ctx, userMsg("c", "m"))
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = m
		}
	}
	hist, _ := tr.History("c", "", 0)
	if len(hist) != 3 {
		t.Errorf("history len = %d, want 3", len(hist))
	}
	if _, ok := tr.Get(first.ID); ok {
		t.Error("evicted message should no longer be addressable")
	}
}
