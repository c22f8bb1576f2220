// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/pkg/nacos"
	"trafficflow/internal/pkg/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未启用 Nacos 时为 nil
	Config *Config
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	RegisterHandlers func(appCtx AppCtx)
	// Background 随服务一起运行的后台任务 (消费者、worker 池), ctx 在关停时取消
	Background []func(ctx context.Context) error
	// Shutdown 关停时按注册的逆序执行
	Shutdown []func(ctx context.Context)
}

// StartService 封装通用的启动与优雅关停逻辑, 阻塞直到收到退出信号
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName, cfg.App.Log)

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		return err
	}

	var nc *nacos.Client
	var ip string
	if cfg.Infra.Nacos.Enabled {
		nc, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return err
		}
		watchRemoteConfig(nc, cfg.Infra.Nacos.DataID)

		if ip, err = GetOutboundIP(); err != nil {
			return err
		}
		if err := nc.RegisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: nc, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.App.Port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info().Str("service", info.ServiceName).Int("port", cfg.App.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, bg := range info.Background {
		bg := bg
		g.Go(func() error { return bg(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.L().Info().Str("service", info.ServiceName).Msg("Shutting down service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if nc != nil {
			if err := nc.DeregisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
				logger.L().Error().Err(err).Msg("Error deregistering from Nacos")
			}
			nc.Close()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down http server")
		}
		for i := len(info.Shutdown) - 1; i >= 0; i-- {
			info.Shutdown[i](shutdownCtx)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	logger.L().Info().Str("service", info.ServiceName).Msg("gracefully shut down")
	return err
}

// watchRemoteConfig 拉取配置中心的配置并监听变更, 失败时沿用本地配置
func watchRemoteConfig(nc *nacos.Client, dataID string) {
	apply := func(content string) {
		if content == "" {
			return
		}
		next, err := mergeRemote(GetCurrentConfig(), content)
		if err != nil {
			logger.L().Error().Err(err).Str("data_id", dataID).Msg("ignoring invalid remote config")
			return
		}
		setCurrent(next)
		logger.L().Info().Str("data_id", dataID).Msg("remote config applied")
	}

	content, err := nc.GetConfig(dataID)
	if err != nil {
		logger.L().Warn().Err(err).Str("data_id", dataID).Msg("remote config unavailable, using local config")
	} else {
		apply(content)
	}
	if err := nc.ListenConfig(dataID, apply); err != nil {
		logger.L().Warn().Err(err).Str("data_id", dataID).Msg("failed to listen remote config")
	}
}

// GetOutboundIP 获取本机对外的 IP, 用于服务注册
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// ConfigPath 配置文件路径, 可通过 CONFIG_FILE 覆盖
func ConfigPath(fallback string) string {
	if v, ok := os.LookupEnv("CONFIG_FILE"); ok {
		return v
	}
	return fallback
}
