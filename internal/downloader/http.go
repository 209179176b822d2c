package downloader

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/jobs"
)

// Launcher はジョブを登録してバックグラウンドで実行します。
type Launcher interface {
	Launch(ctx context.Context, source, url string, work jobs.Work) (*jobs.Job, error)
}

// DownloadHandler は POST /:source/download のハンドラーを返します。
func DownloadHandler(registry *Registry, launcher Launcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := c.Param("source")
		adapter, ok := registry.Lookup(source)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "UNKNOWN_SOURCE",
				"message": "対応していない取得元です: " + source,
			})
			return
		}

		videoURL := strings.TrimSpace(c.Query("url"))
		if videoURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url を指定してください。",
			})
			return
		}

		job, err := launcher.Launch(c.Request.Context(), adapter.Source(), videoURL, func(ctx context.Context, job *jobs.Job) error {
			return adapter.Run(ctx, job.URL, job.ProcessID)
		})
		if err != nil {
			if errors.Is(err, jobs.ErrShuttingDown) {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "SHUTTING_DOWN",
					"message": "サーバーを停止しています。しばらくしてから再試行してください。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの登録に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"process_id": job.ProcessID})
	}
}
