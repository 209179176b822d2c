package jobs

import (
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal は completed / failed のいずれかであれば true を返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrJobNotFound は指定された process_id のジョブが存在しない場合のエラーです。
	ErrJobNotFound = errors.New("job not found")
	// ErrNotReady は成果物がまだ（またはもう）取得できない場合のエラーです。
	ErrNotReady = errors.New("file not ready")
)

// Job は追跡対象の非同期処理 1 件分の状態です。
type Job struct {
	ProcessID       string    `json:"process_id"`
	Source          string    `json:"source"`
	URL             string    `json:"url"`
	Status          Status    `json:"status"`
	Progress        float64   `json:"progress"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      *int64    `json:"total_bytes"`
	FilePath        *string   `json:"file_path"`
	SuggestedName   *string   `json:"suggested_name"`
	Error           *string   `json:"error"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Clone は他のゴルーチンと共有しないコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.TotalBytes = clonePtr(j.TotalBytes)
	c.FilePath = clonePtr(j.FilePath)
	c.SuggestedName = clonePtr(j.SuggestedName)
	c.Error = clonePtr(j.Error)
	return &c
}

// Snapshot は外部向けに直列化したジョブ状態です。
type Snapshot struct {
	Job
	FileExists bool `json:"file_exists"`
}

// Update は 1 回の更新で適用するフィールドの集合です。nil のフィールドは変更しません。
type Update struct {
	Status          *Status
	Progress        *float64
	BytesDownloaded *int64
	TotalBytes      *int64
	// ClearTotalBytes はサイズ不明の転送に切り替わった場合に TotalBytes を消します。
	ClearTotalBytes bool
	FilePath        *string
	SuggestedName   *string
	Error           *string
}

// Phase は進捗イベントの段階です。
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseFinished    Phase = "finished"
)

// ProgressEvent はワーカーが外部ライブラリの進捗通知を変換した結果です。
type ProgressEvent struct {
	Phase           Phase
	BytesDownloaded int64
	// TotalBytes はサイズ不明の場合 nil です。
	TotalBytes *int64
}

// ProgressPercent は total が既知かつ正の場合のみ割合を計算し、それ以外は 0 を返します。
func ProgressPercent(downloaded int64, total *int64) float64 {
	if total == nil || *total <= 0 {
		return 0
	}
	return clampPercent(float64(downloaded) / float64(*total) * 100)
}

func clampPercent(p float64) float64 {
	if p < 0 || p != p {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Ptr は値のポインタを返します。
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
