package middleware

import (
	"crypto/hmac"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminMiddleware проверяет токен оператора в заголовке запроса.
// Пустой настроенный токен полностью закрывает админские маршруты.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || !hmac.Equal([]byte(r.Header.Get(adminTokenHeader)), []byte(token)) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
