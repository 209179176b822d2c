package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/storage"
)

// openJobStore は JOB_STORE に従ってジョブストアを開きます。
func (a *app) openJobStore() (jobs.Store, error) {
	if a.cfg.JobStore != config.JobStoreRedis {
		return jobs.NewMemoryStore(a.cfg.JobRetention), nil
	}

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return jobs.NewRedisStore(a.redis, a.cfg.JobRetention), nil
}

func jobStatusHandler(tracker *jobs.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		processID := strings.TrimSpace(c.Param("id"))
		snapshot, err := tracker.Serialize(c.Request.Context(), processID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if snapshot == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "Download not found",
			})
			return
		}

		c.JSON(http.StatusOK, snapshot)
	}
}

func jobFileHandler(tracker *jobs.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		processID := strings.TrimSpace(c.Param("id"))
		job, path, err := tracker.ArtifactPath(c.Request.Context(), processID)
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "Download not found",
			})
			return
		case errors.Is(err, jobs.ErrNotReady):
			respondNotReady(c)
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}

		file, err := os.Open(path)
		if err != nil {
			// 削除スケジューラーとの競合
			respondNotReady(c)
			return
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			respondNotReady(c)
			return
		}

		contentType := "application/octet-stream"
		if mtype, err := mimetype.DetectFile(path); err == nil {
			contentType = mtype.String()
		}

		name := filepath.Base(path)
		if job.SuggestedName != nil && *job.SuggestedName != "" {
			name = *job.SuggestedName
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", storage.AsciiFilename(name)))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Process-Id", job.ProcessID)
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

func respondNotReady(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "FILE_NOT_READY",
		"message": "File not ready or already deleted",
	})
}
