package handler

import (
	"context"
	"net/http"
	"sync"

	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/handlers"
	"parentpilot-billing/pkg/logging"
	"parentpilot-billing/pkg/utils"
)

var (
	app     *handlers.App
	appErr  error
	appOnce sync.Once
)

// Handler 是Vercel函数的入口点
// 依赖在冷启动时构建一次，之后的热调用复用同一个 App
func Handler(w http.ResponseWriter, r *http.Request) {
	appOnce.Do(func() {
		cfg := config.GetCached()
		app, appErr = handlers.NewApp(context.Background(), cfg, logging.New(cfg))
	})
	if appErr != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+appErr.Error())
		return
	}

	app.ServeHTTP(w, r)
}
