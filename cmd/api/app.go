package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/cleanup"
	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/downloader"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/pdf"
	"github.com/yourusername/media-forge/internal/storage"
)

const janitorInterval = time.Minute

// app はサーバーが使う全コンポーネントをまとめたものです。
type app struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	redis    *redis.Client
	storage  *storage.Local
	manager  *jobs.Manager
	timer    *cleanup.TimerScheduler
	queue    *cleanup.QueueScheduler
	cleaner  cleanup.Scheduler
	registry *downloader.Registry
	pdf      *pdf.Service
	auth     *auth.Manager
}

// newApp は設定に従って各コンポーネントを組み立てます。
// extractor はローカル抽出に使う実装で、テストでは差し替えられます。
func newApp(cfg *config.Config, logger logrus.FieldLogger, extractor downloader.Extractor) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.storage = storage.NewLocal(cfg.DownloadDir, cfg.UploadDir, cfg.ConvertDir, cfg.ChunkSize)
	if err := a.storage.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := a.openJobStore()
	if err != nil {
		return nil, err
	}
	tracker := jobs.NewTracker(store)
	if a.manager, err = jobs.NewManager(tracker, logger.WithField("component", "jobs")); err != nil {
		return nil, err
	}
	a.manager.StartJanitor(janitorInterval)

	a.timer = cleanup.NewTimerScheduler(logger.WithField("component", "cleanup"))
	a.cleaner = a.timer
	if cfg.CleanupBackend == config.CleanupQueue {
		if a.queue, err = cleanup.NewQueueScheduler(cfg.RedisURL, a.timer, logger.WithField("component", "cleanup")); err != nil {
			return nil, err
		}
		if err := a.queue.Start(); err != nil {
			return nil, fmt.Errorf("failed to start cleanup queue: %w", err)
		}
		a.cleaner = a.queue
	}

	if a.registry, err = a.buildRegistry(tracker, extractor); err != nil {
		return nil, err
	}

	a.pdf, err = pdf.NewService(pdf.Options{
		Tracker:         tracker,
		Cleaner:         a.cleaner,
		Storage:         a.storage,
		MaxUploadSize:   cfg.MaxUploadSize,
		MaxPages:        cfg.MaxPages,
		WordCommand:     cfg.PDFWordCommand,
		GhostscriptPath: cfg.GhostscriptPath,
		ArtifactTTL:     cfg.ArtifactTTL,
		InputTTL:        cfg.InputTTL,
		Logger:          logger.WithField("component", "pdf"),
	})
	if err != nil {
		return nil, err
	}

	if cfg.AuthEnabled {
		a.auth = auth.NewManager(auth.Credentials{
			Username:     cfg.AppUsername,
			PasswordHash: cfg.AppPasswordHash,
		}, logger.WithField("component", "auth"))
	}
	return a, nil
}

func (a *app) buildRegistry(tracker *jobs.Tracker, extractor downloader.Extractor) (*downloader.Registry, error) {
	opts := downloader.Options{
		Tracker:     tracker,
		Cleaner:     a.cleaner,
		OutputDir:   a.cfg.DownloadDir,
		ArtifactTTL: a.cfg.ArtifactTTL,
		Logger:      a.logger.WithField("component", "downloader"),
	}

	var youtube downloader.Adapter
	var err error
	if a.cfg.YouTubeRemoteEndpoint != "" {
		youtube, err = downloader.NewRemoteDownloader("youtube", a.cfg.YouTubeRemoteEndpoint, a.cfg.RemoteTimeout, a.cfg.ChunkSize, opts)
	} else {
		youtube, err = downloader.NewYouTubeDownloader(extractor, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set up youtube downloader: %w", err)
	}

	tiktok, err := downloader.NewTikTokDownloader(extractor, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tiktok downloader: %w", err)
	}
	return downloader.NewRegistry(youtube, tiktok), nil
}

// setupRoutes はミドルウェアとルーティングを登録します。
func (a *app) setupRoutes(router *gin.Engine) {
	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(a.cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", auth.CSRFHeader}
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition", "X-Process-Id"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)

	if a.auth != nil {
		store := cookie.NewStore([]byte(a.cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   a.cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))

		authRoutes := router.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/logout", append(a.auth.Protect(), a.auth.Logout)...)
		}
	}

	// グループはセッションミドルウェア登録後に作る
	protected := router.Group("")
	if a.auth != nil {
		protected.Use(a.auth.Protect()...)
	}

	// 認証が有効な場合、ジョブは開始したセッションからしか参照できない
	var launcher auth.Launcher = a.manager
	jobRoutes := protected.Group("/downloads/:id")
	if a.auth != nil {
		launcher = a.auth.Launcher(a.manager)
		jobRoutes.Use(a.auth.OwnsJob())
	}

	tracker := a.manager.Tracker()
	{
		protected.POST("/:source/download", downloader.DownloadHandler(a.registry, launcher))
		jobRoutes.GET("", jobStatusHandler(tracker))
		jobRoutes.GET("/file", jobFileHandler(tracker))

		pdfRoutes := protected.Group("/pdf")
		pdfRoutes.POST("/to-excel", pdf.ConvertHandler(a.pdf, launcher, pdf.KindExcel))
		pdfRoutes.POST("/to-word", pdf.ConvertHandler(a.pdf, launcher, pdf.KindWord))
		pdfRoutes.POST("/to-image", pdf.ConvertHandler(a.pdf, launcher, pdf.KindImage))
	}
}

// close は実行中のジョブを待ってからバックエンドを停止します。
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job manager: %w", err))
		}
	}
	if a.queue != nil {
		a.queue.Shutdown()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
