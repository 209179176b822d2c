package pdf

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/jobs"
)

// Launcher はジョブを登録してバックグラウンドで実行します。
type Launcher interface {
	Launch(ctx context.Context, source, url string, work jobs.Work) (*jobs.Job, error)
}

// Converter は検証と変換を提供します。*Service が実装します。
type Converter interface {
	Accept(ctx context.Context, file *multipart.FileHeader) (*Upload, error)
	Convert(ctx context.Context, kind Kind, upload *Upload, processID string) error
	Discard(upload *Upload)
}

// ConvertHandler は POST /pdf/to-* のハンドラーを返します。
func ConvertHandler(svc Converter, launcher Launcher, kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でPDFファイルを送信してください。",
				"error":   "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
				"error":   err.Error(),
			})
			return
		}

		upload, err := svc.Accept(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}

		job, err := launcher.Launch(c.Request.Context(), kind.Source(), upload.OriginalName, func(ctx context.Context, job *jobs.Job) error {
			return svc.Convert(ctx, kind, upload, job.ProcessID)
		})
		if err != nil {
			svc.Discard(upload)
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"process_id": job.ProcessID})
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		// error は旧クライアント向けに message と同じ内容を返す
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
			"error":   apiErr.Message,
		})
	case errors.Is(err, jobs.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SHUTTING_DOWN",
			"message": "サーバーを停止しています。しばらくしてから再試行してください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	return nil, errors.New("PDFファイルを選択してください。")
}
