package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "sakha:test", "workers", "w1", 50*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	job := Job{Kind: KindSend, ChatID: 5, UserID: 6, Content: "explain osmosis", ConversationID: "conv-1"}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.Kind != KindSend || got.Content != "explain osmosis" || got.ConversationID != "conv-1" {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.JobID == "" || got.EnqueuedAt.IsZero() {
		t.Fatalf("enqueue should fill id and time, got %+v", got)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.XLen(ctx, "sakha:test").Val(); n != 0 {
		t.Fatalf("acked message should be deleted, stream len %d", n)
	}
}

func TestEnqueueRejectsInvalidJobs(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "sakha:test", "workers", "w1", time.Millisecond)

	cases := []Job{
		{Kind: KindSend, ChatID: 1, Content: "   "},
		{Kind: KindRegenerate, ChatID: 1},
		{Kind: KindQuiz},
	}
	for _, j := range cases {
		if _, err := q.Enqueue(context.Background(), j); err == nil {
			t.Fatalf("expected error for %+v", j)
		}
	}
	if _, err := q.Enqueue(context.Background(), Job{Kind: "dance", ChatID: 1}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCancelBusDeliversToListener(t *testing.T) {
	_, rdb := newTestRedis(t)
	bus := NewCancelBus(rdb, "sakha:cancel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- bus.Listen(ctx, func(id string) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			select {
			case received <- struct{}{}:
			default:
			}
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := bus.Publish(context.Background(), "conv-9")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel message not delivered")
	}
	mu.Lock()
	if got[0] != "conv-9" {
		t.Fatalf("unexpected conversation id %q", got[0])
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listen did not stop with its context")
	}
}

func TestReadAcksMalformedEntries(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "sakha:test", "workers", "w1", 50*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "sakha:test", Values: map[string]any{"payload": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{Kind: KindQuiz, ChatID: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.Kind != KindQuiz {
		t.Fatalf("expected only the valid job, got %+v", msgs)
	}
	pending, err := rdb.XPending(ctx, "sakha:test", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("malformed entry should be acked, pending %d", pending.Count)
	}
}
