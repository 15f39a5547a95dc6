// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/tracing"
)

// AppCtx 在注册回调里暴露服务的公共资源。
type AppCtx struct {
	Mux    *http.ServeMux
	Config *config.Config
}

// AppInfo 描述一个服务进程的启动参数。
type AppInfo struct {
	ServiceName string
	// Port 为 0 时使用配置中的端口
	Port int

	// RegisterHandlers 注册该服务自己的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)

	// Runners 是伴随 HTTP 服务启动的后台任务（消费者、清扫器）。
	// 进程收到退出信号时传入的 ctx 被取消。
	Runners []func(ctx context.Context)

	// OnShutdown 在 HTTP 服务停止后执行，用来关闭连接、刷缓冲。
	OnShutdown []func(ctx context.Context)
}

// StartService 封装通用的启动与优雅关停逻辑：
// 配置加载、日志、追踪、HTTP 服务、后台任务、信号处理。
func StartService(info AppInfo) {
	// .env 只用于本地开发，容器环境里文件不存在是正常的
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("load config")
	}
	if info.ServiceName == "" {
		info.ServiceName = cfg.App.ServiceName
	}
	if info.Port == 0 {
		info.Port = cfg.App.HTTPPort
	}

	logger.Init(info.ServiceName, cfg.App.PrettyLog)

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("init tracer provider")
	}

	runCtx, stopRunners := context.WithCancel(context.Background())

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}

	go func() {
		logger.Logger().Info().
			Str("service", info.ServiceName).
			Int("port", info.Port).
			Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger().Fatal().Err(err).Msg("http server")
		}
	}()

	for _, runner := range info.Runners {
		go runner(runCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Logger().Info().Str("service", info.ServiceName).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先停外部流量，再停后台任务，最后刷追踪缓冲
	if err := server.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("shutdown http server")
	}
	stopRunners()
	for _, hook := range info.OnShutdown {
		hook(ctx)
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("shutdown tracer provider")
	}

	logger.Logger().Info().Str("service", info.ServiceName).Msg("gracefully stopped")
}
