// Package cleanup は成果物ファイルの遅延削除を提供します。
package cleanup

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler は path を delay 経過後に削除するよう予約します。
// Schedule は呼び出し元をブロックしてはいけません。
type Scheduler interface {
	Schedule(path string, delay time.Duration)
}

// RemoveIfExists は path を削除します。既に存在しない場合は何もしません。
// ディレクトリの場合は中身ごと削除します。
func RemoveIfExists(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// TimerScheduler はプロセス内タイマーで削除を実行します。
// 予約はメモリ上にのみ存在し、再起動すると失われます。
type TimerScheduler struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	stopped bool
}

// NewTimerScheduler は TimerScheduler を作成します。
func NewTimerScheduler(logger logrus.FieldLogger) *TimerScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TimerScheduler{
		logger:  logger,
		pending: make(map[uint64]*time.Timer),
	}
}

// Schedule は delay 後に path を削除するタイマーを登録します。
func (s *TimerScheduler) Schedule(path string, delay time.Duration) {
	if path == "" {
		return
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	id := s.nextID
	s.nextID++
	s.pending[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()

		if err := RemoveIfExists(path); err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("deferred deletion failed")
			return
		}
		s.logger.WithField("path", path).Debug("deferred deletion done")
	})
}

// Pending は未実行の予約数を返します。
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop は未実行のタイマーを全て止めます。ファイルはディスクに残ります。
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
}
