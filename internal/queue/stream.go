package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind selects what a worker does with a job.
type Kind string

const (
	KindSend        Kind = "send"
	KindReply       Kind = "reply"
	KindRegenerate  Kind = "regenerate"
	KindEdit        Kind = "edit"
	KindQuiz        Kind = "quiz"
	KindFlowchart   Kind = "flowchart"
	KindImagePrompt Kind = "image_prompt"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Job is one unit of generation work. Settings are not carried: the worker reads them when
// the job starts.
type Job struct {
	JobID          string    `json:"job_id"`
	Kind           Kind      `json:"kind"`
	ChatID         int64     `json:"chat_id"`
	ChatType       string    `json:"chat_type"`
	UserID         int64     `json:"user_id"`
	MessageID      int64     `json:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	TargetID       string    `json:"target_id,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
}

func (j Job) Validate() error {
	switch j.Kind {
	case KindSend, KindEdit:
		if strings.TrimSpace(j.Content) == "" {
			return fmt.Errorf("%s job without content", j.Kind)
		}
	case KindReply, KindQuiz, KindFlowchart, KindImagePrompt:
	case KindRegenerate:
		if j.TargetID == "" && j.ConversationID == "" {
			return fmt.Errorf("regenerate job without target")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, j.Kind)
	}
	if j.ChatID == 0 {
		return fmt.Errorf("job without chat id")
	}
	return nil
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job Job
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = newJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Read blocks for new jobs. Entries whose payload cannot be decoded are acked and skipped.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var (
		jobs []Message
		bad  []string
	)
	for _, st := range streams {
		for _, entry := range st.Messages {
			job, ok := decodeJob(entry.Values)
			if !ok {
				bad = append(bad, entry.ID)
				continue
			}
			jobs = append(jobs, Message{ID: entry.ID, Job: job})
		}
	}
	if len(bad) > 0 {
		_ = q.redis.XAck(ctx, q.stream, q.group, bad...).Err()
	}
	return jobs, nil
}

func decodeJob(values map[string]any) (Job, bool) {
	var payload []byte
	switch v := values["payload"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, false
	}
	return job, true
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func newJobID() string {
	return uuid.NewString()
}
