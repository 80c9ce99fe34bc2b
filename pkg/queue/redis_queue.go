package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"minutesai/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ProcessJob is one request to run transcribe, summarize and persist for a
// user's stopped session.
type ProcessJob struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Title              string    `json:"title,omitempty"`
	RetryTranscription bool      `json:"retryTranscription,omitempty"`
	RetrySummary       bool      `json:"retrySummary,omitempty"`
	MeetingID          string    `json:"meetingId,omitempty"`
	Status             string    `json:"status"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
	Attempts           int       `json:"attempts"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Handler runs a job and returns the id of the meeting it produced.
type Handler func(ctx context.Context, job ProcessJob) (string, error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	// Claim idle stays long: transcription of long recordings can take minutes.
	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       orString(cfg.Stream, "minutes:process"),
		group:        orString(cfg.Group, "meeting"),
		consumerBase: consumer,
		jobTTL:       orPositive(cfg.JobTTL, 24*time.Hour),
		maxRetries:   orPositive(cfg.MaxRetries, 3),
		block:        orPositive(cfg.Block, 5*time.Second),
		claimIdle:    orPositive(cfg.ClaimIdle, 10*time.Minute),
		retryDelay:   orPositive(cfg.RetryDelay, 2*time.Second),
		maxLen:       orPositive(cfg.MaxLen, int64(10000)),
		readCount:    orPositive(cfg.ReadCount, int64(10)),
		claimCount:   orPositive(cfg.ClaimCount, int64(10)),
	}, nil
}

func orString(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func orPositive[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job and publishes it on the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, req ProcessJob) (ProcessJob, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return ProcessJob{}, errors.New("userId required")
	}
	now := time.Now().UTC()
	job := ProcessJob{
		ID:                 util.NewID(),
		UserID:             req.UserID,
		Title:              req.Title,
		RetryTranscription: req.RetryTranscription,
		RetrySummary:       req.RetrySummary,
		Status:             StatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return ProcessJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": job.ID},
	}).Err(); err != nil {
		return ProcessJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (ProcessJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ProcessJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return ProcessJob{}, false, err
	}
	if len(data) == 0 {
		return ProcessJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue read failed", "stream", q.stream, "err", err)
				sleepCtx(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.update(ctx, jobID, func(j *ProcessJob) {
		j.Attempts++
		j.Status = StatusProcessing
	})
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger := slog.With("job_id", job.ID, "user_id", job.UserID, "attempt", job.Attempts)
	meetingID, err := handler(ctx, job)
	if err == nil {
		_, _ = q.update(ctx, jobID, func(j *ProcessJob) {
			j.Status = StatusDone
			j.MeetingID = meetingID
			j.ErrorMessage = ""
		})
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxRetries {
		logger.Warn("job failed", "err", err)
		_, _ = q.update(ctx, jobID, func(j *ProcessJob) {
			j.Status = StatusFailed
			if meetingID != "" {
				j.MeetingID = meetingID
			}
			j.ErrorMessage = err.Error()
		})
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Info("job will retry", "err", err)
	_, _ = q.update(ctx, jobID, func(j *ProcessJob) {
		j.Status = StatusQueued
		j.ErrorMessage = err.Error()
	})
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// update applies mutate to the stored status record of a job.
func (q *RedisJobQueue) update(ctx context.Context, jobID string, mutate func(*ProcessJob)) (ProcessJob, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return ProcessJob{}, err
	}
	if !found || job.UserID == "" {
		return ProcessJob{}, fmt.Errorf("job %s has no status record", jobID)
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return ProcessJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job ProcessJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":                 job.ID,
		"userId":             job.UserID,
		"title":              job.Title,
		"retryTranscription": strconv.FormatBool(job.RetryTranscription),
		"retrySummary":       strconv.FormatBool(job.RetrySummary),
		"meetingId":          job.MeetingID,
		"status":             job.Status,
		"error":              job.ErrorMessage,
		"attempts":           strconv.Itoa(job.Attempts),
		"createdAt":          job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":          job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) ProcessJob {
	job := ProcessJob{
		ID:           jobID,
		UserID:       data["userId"],
		Title:        data["title"],
		MeetingID:    data["meetingId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	job.RetryTranscription, _ = strconv.ParseBool(data["retryTranscription"])
	job.RetrySummary, _ = strconv.ParseBool(data["retrySummary"])
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
