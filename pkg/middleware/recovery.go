package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"parentpilot-billing/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Recovery 恢复中间件，处理panic并返回友好的错误信息
// Stack traces are only echoed to the client when exposeDetails is set.
func Recovery(log *logrus.Entry, exposeDetails bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					stack := debug.Stack()
					log.WithFields(logrus.Fields{
						"panic": fmt.Sprint(err),
						"path":  r.URL.Path,
						"stack": string(stack),
					}).Error("❌ PANIC")

					if exposeDetails {
						utils.WriteErrorResponseWithCode(w, http.StatusInternalServerError,
							"INTERNAL_SERVER_ERROR",
							fmt.Sprintf("Internal server error: %v", err),
							string(stack))
						return
					}
					utils.WriteInternalServerErrorResponse(w, "Internal server error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
