package errors

import "net/http"

// 常见业务错误码
const (
	CodeOK            = 0
	CodeInvalidParams = 40001
	CodeUnAuthorized  = 40002
	CodeForbidden     = 40003
	CodeNotFound      = 40004
	CodeGone          = 40010
	CodeRateLimited   = 40029
	CodeInternalError = 50000
	CodeUnavailable   = 50003
)

// CodeToStatus 将业务错误码映射为 HTTP 状态码
func CodeToStatus(code int) int {
	switch {
	case code == CodeOK:
		return http.StatusOK
	case code >= 40000 && code < 50000:
		switch code {
		case CodeUnAuthorized:
			return http.StatusUnauthorized
		case CodeForbidden:
			return http.StatusForbidden
		case CodeNotFound:
			return http.StatusNotFound
		case CodeGone:
			return http.StatusGone
		case CodeRateLimited:
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	case code >= 50000:
		if code == CodeUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
