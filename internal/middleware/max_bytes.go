package middleware

import "net/http"

// MaxBytes 限制请求体大小，超限时由后续读取方收到 http.MaxBytesError。
// limit <= 0 表示不限制（不建议在公网入口使用）。
func MaxBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
