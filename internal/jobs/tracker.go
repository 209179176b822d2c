// Package jobs は非同期ジョブの識別子発行・状態管理・バックグラウンド実行を提供します。
package jobs

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tracker はジョブの作成・参照・部分更新・直列化を担います。
type Tracker struct {
	store Store
	now   func() time.Time
	// statFile は Serialize 時にファイルの存在確認に使います。
	statFile func(path string) bool
}

// NewTracker は store を使う Tracker を作成します。
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:    store,
		now:      time.Now,
		statFile: fileExists,
	}
}

// NewProcessID は 122 ビットの乱数を含む UUIDv4 をハイフン無しの 16 進文字列で返します。
func NewProcessID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create は pending 状態の新しいジョブを登録して返します。
func (t *Tracker) Create(ctx context.Context, source, url string) (*Job, error) {
	now := t.now().UTC()
	job := &Job{
		ProcessID: NewProcessID(),
		Source:    source,
		URL:       url,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// Get はジョブのスナップショットを返します。存在しない場合は nil, nil です。
func (t *Tracker) Get(ctx context.Context, processID string) (*Job, error) {
	if processID == "" {
		return nil, nil
	}
	return t.store.Get(ctx, processID)
}

// Update は u のフィールドを 1 つの排他区間で適用します。
// 存在しない processID や終了済みのジョブへの更新は何もせずに nil を返します。
func (t *Tracker) Update(ctx context.Context, processID string, u Update) error {
	if processID == "" {
		return nil
	}
	_, err := t.store.Mutate(ctx, processID, func(job *Job) bool {
		return applyUpdate(job, u, t.now().UTC())
	})
	return err
}

// applyUpdate は終了状態からの遷移を拒否しつつ u を job に反映します。
// file_path / suggested_name は completed への遷移時のみ、error は failed への遷移時のみ反映します。
func applyUpdate(job *Job, u Update, now time.Time) bool {
	if job.Status.IsTerminal() {
		return false
	}

	next := job.Status
	if u.Status != nil {
		switch *u.Status {
		case StatusRunning, StatusCompleted, StatusFailed:
			next = *u.Status
		}
	}

	if u.Progress != nil {
		job.Progress = clampPercent(*u.Progress)
	}
	if u.BytesDownloaded != nil {
		job.BytesDownloaded = *u.BytesDownloaded
	}
	if u.ClearTotalBytes {
		job.TotalBytes = nil
	}
	if u.TotalBytes != nil {
		job.TotalBytes = Ptr(*u.TotalBytes)
	}

	switch next {
	case StatusCompleted:
		if u.FilePath != nil {
			job.FilePath = Ptr(*u.FilePath)
		}
		if u.SuggestedName != nil {
			job.SuggestedName = Ptr(*u.SuggestedName)
		}
	case StatusFailed:
		msg := "unknown error"
		if u.Error != nil && *u.Error != "" {
			msg = *u.Error
		}
		job.Error = Ptr(msg)
	}

	if next.IsTerminal() {
		job.FinishedAt = now
	}
	job.Status = next
	job.UpdatedAt = now
	return true
}

// Serialize はジョブの全フィールドと、呼び出し時点でのファイル存在有無を返します。
func (t *Tracker) Serialize(ctx context.Context, processID string) (*Snapshot, error) {
	job, err := t.Get(ctx, processID)
	if err != nil || job == nil {
		return nil, err
	}
	snapshot := &Snapshot{Job: *job}
	if job.FilePath != nil && *job.FilePath != "" {
		snapshot.FileExists = t.statFile(*job.FilePath)
	}
	return snapshot, nil
}

// ArtifactPath は取得可能な成果物のパスを返します。
// ジョブが存在しなければ ErrJobNotFound、未完了またはファイル削除済みなら ErrNotReady を返します。
func (t *Tracker) ArtifactPath(ctx context.Context, processID string) (*Job, string, error) {
	job, err := t.Get(ctx, processID)
	if err != nil {
		return nil, "", err
	}
	if job == nil {
		return nil, "", ErrJobNotFound
	}
	if job.Status != StatusCompleted || job.FilePath == nil || !t.statFile(*job.FilePath) {
		return job, "", ErrNotReady
	}
	return job, *job.FilePath, nil
}

// Start はジョブを running にし、進捗を 0 に戻します。
func (t *Tracker) Start(ctx context.Context, processID string) error {
	return t.Update(ctx, processID, Update{
		Status:   Ptr(StatusRunning),
		Progress: Ptr(0.0),
	})
}

// Report は進捗イベントを正規化して反映します。
func (t *Tracker) Report(ctx context.Context, processID string, ev ProgressEvent) error {
	return t.Update(ctx, processID, UpdateFromEvent(ev))
}

// UpdateFromEvent は進捗イベントを Update に変換します。
func UpdateFromEvent(ev ProgressEvent) Update {
	if ev.Phase == PhaseFinished {
		return Update{Progress: Ptr(100.0)}
	}
	u := Update{
		BytesDownloaded: Ptr(ev.BytesDownloaded),
		Progress:        Ptr(ProgressPercent(ev.BytesDownloaded, ev.TotalBytes)),
	}
	if ev.TotalBytes != nil {
		u.TotalBytes = Ptr(*ev.TotalBytes)
	} else {
		u.ClearTotalBytes = true
	}
	return u
}

// Complete はジョブを completed にし、成果物パスと表示名を記録します。
func (t *Tracker) Complete(ctx context.Context, processID, filePath, suggestedName string) error {
	return t.Update(ctx, processID, Update{
		Status:        Ptr(StatusCompleted),
		Progress:      Ptr(100.0),
		FilePath:      Ptr(filePath),
		SuggestedName: Ptr(suggestedName),
	})
}

// Fail はジョブを failed にし、エラーメッセージを記録します。
func (t *Tracker) Fail(ctx context.Context, processID, message string) error {
	return t.Update(ctx, processID, Update{
		Status: Ptr(StatusFailed),
		Error:  Ptr(message),
	})
}

// IsTerminal はジョブが終了状態かどうかを返します。存在しない場合は false です。
func (t *Tracker) IsTerminal(ctx context.Context, processID string) (bool, error) {
	job, err := t.Get(ctx, processID)
	if err != nil || job == nil {
		return false, err
	}
	return job.Status.IsTerminal(), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
