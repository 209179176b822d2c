package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	taskTypeDelete = "artifact:delete"
	queueName      = "cleanup"
	enqueueTimeout = 5 * time.Second
)

// deletePayload は削除タスクのペイロードです。
type deletePayload struct {
	Path string `json:"path"`
}

// QueueScheduler は Asynq の遅延タスクで削除を実行します。
// 予約は Redis に残るため、プロセスを再起動しても削除されます。
type QueueScheduler struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	fallback Scheduler
	logger   logrus.FieldLogger

	enqueue  func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	inflight sync.WaitGroup
}

// NewQueueScheduler は QueueScheduler を作成します。
// 投入に失敗した場合は fallback に予約を委ねます。
func NewQueueScheduler(redisURL string, fallback Scheduler, logger logrus.FieldLogger) (*QueueScheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	s := &QueueScheduler{
		client:   asynq.NewClient(opt),
		server:   server,
		mux:      asynq.NewServeMux(),
		fallback: fallback,
		logger:   logger,
	}
	s.enqueue = s.client.EnqueueContext
	s.mux.HandleFunc(taskTypeDelete, s.handleDeleteTask)
	return s, nil
}

// Start は削除ワーカーを起動します。
func (s *QueueScheduler) Start() error {
	return s.server.Start(s.mux)
}

// Shutdown は投入中の予約を待ってからワーカーとクライアントを閉じます。
func (s *QueueScheduler) Shutdown() {
	s.inflight.Wait()
	s.server.Shutdown()
	if err := s.client.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close asynq client")
	}
}

// Schedule は delay 後に実行される削除タスクを投入します。
// Redis への投入はバックグラウンドで行い、呼び出し元を待たせません。
func (s *QueueScheduler) Schedule(path string, delay time.Duration) {
	if path == "" {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.schedule(path, delay)
	}()
}

func (s *QueueScheduler) schedule(path string, delay time.Duration) {
	task, err := newDeleteTask(path)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		_, err = s.enqueue(ctx, task, asynq.ProcessIn(delay), asynq.Queue(queueName), asynq.MaxRetry(3))
	}
	if err == nil {
		return
	}

	s.logger.WithError(err).WithField("path", path).Warn("failed to enqueue deletion, falling back to timer")
	if s.fallback != nil {
		s.fallback.Schedule(path, delay)
	}
}

func newDeleteTask(path string) (*asynq.Task, error) {
	body, err := json.Marshal(deletePayload{Path: path})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeDelete, body), nil
}

func (s *QueueScheduler) handleDeleteTask(ctx context.Context, task *asynq.Task) error {
	var payload deletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Path == "" {
		return errors.Join(errors.New("missing path in payload"), asynq.SkipRetry)
	}
	if err := RemoveIfExists(payload.Path); err != nil {
		return err
	}
	s.logger.WithField("path", payload.Path).Debug("deferred deletion done")
	return nil
}
