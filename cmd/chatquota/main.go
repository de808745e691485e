// chatquota 是 AI 对话配额计量服务的入口：对外提供配额查询/扣减接口，
// 并带一套充值扩容的账单接口。
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"

	"chatquota/internal/config"
	"chatquota/internal/obs"
	"chatquota/internal/server"
	"chatquota/internal/store"
	"chatquota/internal/version"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("加载配置失败", "err", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	var db *sql.DB
	if cfg.DB.Driver != "memory" {
		var dialect store.Dialect
		db, dialect, err = store.OpenDB(cfg.Env, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.SQLitePath)
		if err != nil {
			slog.Error("连接数据库失败", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		switch dialect {
		case store.DialectMySQL:
			if err := store.ApplyMigrations(db); err != nil {
				slog.Error("执行数据库迁移失败", "err", err)
				os.Exit(1)
			}
		case store.DialectSQLite:
			if err := store.EnsureSQLiteSchema(db); err != nil {
				slog.Error("初始化 SQLite schema 失败", "err", err)
				os.Exit(1)
			}
		default:
			slog.Error("未知数据库方言", "dialect", dialect)
			os.Exit(1)
		}
	} else {
		slog.Warn("使用内存配额存储，进程退出后数据丢失")
	}

	app, err := server.NewApp(server.AppOptions{
		Config:  cfg,
		DB:      db,
		Version: version.Info(),
	})
	if err != nil {
		slog.Error("初始化服务失败", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: app.Handler(),

		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		slog.Error("HTTP 服务监听启动失败", "addr", cfg.Server.Addr, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("服务启动", "addr", ln.Addr().String(), "version", version.Info().Version, "driver", cfg.DB.Driver)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		slog.Error("HTTP 服务异常退出", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("优雅停机失败", "err", err)
		_ = httpServer.Close()
	}
	slog.Info("服务已退出")
}
