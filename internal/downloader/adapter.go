// Package downloader は外部の抽出ライブラリやリモート API を呼び出すワーカーアダプターを提供します。
//
// アダプターは進捗を jobs.Tracker に報告し、成功時には成果物の遅延削除を予約します。
// 失敗はエラーとして返し、jobs.Manager が failed 状態として 1 回だけ記録します。
package downloader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/cleanup"
	"github.com/yourusername/media-forge/internal/jobs"
)

// DefaultArtifactTTL は完成した成果物を削除するまでの既定時間です。
const DefaultArtifactTTL = 600 * time.Second

// Adapter は 1 つの取得元に対応するワーカーです。
type Adapter interface {
	// Source は Job.Source に記録するタグを返します。
	Source() string
	// Run は url を処理し、processID のジョブへ進捗と結果を記録します。
	Run(ctx context.Context, url, processID string) error
}

// Options はアダプター共通の依存関係です。
type Options struct {
	Tracker     *jobs.Tracker
	Cleaner     cleanup.Scheduler
	OutputDir   string
	ArtifactTTL time.Duration
	Logger      logrus.FieldLogger
}

func (o Options) validate() error {
	if o.Tracker == nil {
		return fmt.Errorf("tracker is nil")
	}
	if o.Cleaner == nil {
		return fmt.Errorf("cleaner is nil")
	}
	if o.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.ArtifactTTL <= 0 {
		o.ArtifactTTL = DefaultArtifactTTL
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// finish はジョブを completed にし、成果物の削除を予約します。
func (o Options) finish(ctx context.Context, processID, path, suggestedName string) error {
	if err := o.Tracker.Complete(ctx, processID, path, suggestedName); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	o.Cleaner.Schedule(path, o.ArtifactTTL)
	return nil
}

// reporter は進捗イベントを Tracker に転送する関数を返します。
// 進捗の保存に失敗してもダウンロード自体は継続します。
func (o Options) reporter(ctx context.Context, processID string) func(jobs.ProgressEvent) {
	log := o.Logger.WithField("process_id", processID)
	return func(ev jobs.ProgressEvent) {
		if err := o.Tracker.Report(ctx, processID, ev); err != nil {
			log.WithError(err).Warn("failed to record progress")
		}
	}
}

// Registry は取得元タグからアダプターを引く対応表です。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry は adapters を登録した Registry を作成します。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register はアダプターを登録します。同じタグは上書きされます。
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Source()] = a
}

// Lookup はタグに対応するアダプターを返します。
func (r *Registry) Lookup(source string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	return a, ok
}

// Sources は登録済みのタグを昇順で返します。
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
