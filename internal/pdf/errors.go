package pdf

// エラーコード。HTTP 応答の code にそのまま使われる。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeUnsupportedPDF   = "UNSUPPORTED_PDF"
	CodeNoContent        = "NO_CONTENT"
	CodeConversionFailed = "CONVERSION_FAILED"
)

// Error はクライアントに返せるメッセージを持つ変換エラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
