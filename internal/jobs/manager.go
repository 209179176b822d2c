package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrShuttingDown はシャットダウン開始後に Launch された場合のエラーです。
var ErrShuttingDown = errors.New("job manager is shutting down")

const finalizeTimeout = 10 * time.Second

// Work はバックグラウンドで実行する処理本体です。
// job は作成直後のスナップショットで、進捗は Manager.Tracker() 経由で報告します。
type Work func(ctx context.Context, job *Job) error

// Manager はジョブの投入とバックグラウンド実行を監督します。
// ワーカーから返されたエラーや panic は必ず failed 状態へ変換されます。
// クライアントからの中断は受け付けません。
type Manager struct {
	tracker *Tracker
	logger  logrus.FieldLogger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
	inFlight int

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// NewManager は Manager を初期化します。
func NewManager(tracker *Tracker, logger logrus.FieldLogger) (*Manager, error) {
	if tracker == nil {
		return nil, errors.New("tracker is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tracker:     tracker,
		logger:      logger,
		baseCtx:     ctx,
		cancel:      cancel,
		stopJanitor: make(chan struct{}),
	}, nil
}

// Tracker は Manager が使う Tracker を返します。
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Launch はジョブを作成し、work をバックグラウンドで開始してすぐに返ります。
func (m *Manager) Launch(ctx context.Context, source, url string, work Work) (*Job, error) {
	if work == nil {
		return nil, fmt.Errorf("work is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}

	job, err := m.tracker.Create(ctx, source, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.wg.Add(1)
	m.inFlight++
	go m.run(job, work)
	return job, nil
}

// InFlight は実行中のワーカー数を返します。
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

func (m *Manager) run(job *Job, work Work) {
	log := m.logger.WithFields(logrus.Fields{
		"process_id": job.ProcessID,
		"source":     job.Source,
	})

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
		m.wg.Done()
	}()

	err := m.invoke(job, work)

	// 終了状態の記録はワーカーのコンテキストがキャンセルされていても行う
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.baseCtx), finalizeTimeout)
	defer cancel()

	if err != nil {
		if m.baseCtx.Err() != nil && errors.Is(err, context.Canceled) {
			err = fmt.Errorf("server shutting down: %w", err)
		}
		log.WithError(err).Warn("job failed")
		if ferr := m.tracker.Fail(ctx, job.ProcessID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("failed to record job failure")
		}
		return
	}

	terminal, terr := m.tracker.IsTerminal(ctx, job.ProcessID)
	if terr != nil {
		log.WithError(terr).Error("failed to read job state")
		return
	}
	if !terminal {
		log.Warn("worker exited without a terminal state")
		if ferr := m.tracker.Fail(ctx, job.ProcessID, "worker exited without a result"); ferr != nil {
			log.WithError(ferr).Error("failed to record job failure")
		}
		return
	}
	log.Info("job finished")
}

func (m *Manager) invoke(job *Job, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("process_id", job.ProcessID).
				WithField("stack", string(debug.Stack())).
				Error("worker panicked")
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return work(m.baseCtx, job)
}

// StartJanitor は interval ごとに保持期間切れのジョブを掃除します。
// MemoryStore 以外では何もしません。
func (m *Manager) StartJanitor(interval time.Duration) {
	sweeper, ok := m.tracker.store.(interface{ Sweep() int })
	if !ok || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sweeper.Sweep(); n > 0 {
					m.logger.WithField("removed", n).Debug("expired jobs evicted")
				}
			case <-m.stopJanitor:
				return
			}
		}
	}()
}

// Shutdown は新規投入を止め、実行中のワーカーの終了を ctx の期限まで待ちます。
// 期限を過ぎた場合はワーカーのコンテキストをキャンセルし、ctx のエラーを返します。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.janitorOnce.Do(func() { close(m.stopJanitor) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		select {
		case <-done:
		case <-time.After(finalizeTimeout):
			m.logger.WithField("in_flight", m.InFlight()).Warn("workers did not stop after cancellation")
		}
		return ctx.Err()
	}
}
