// Package server 组装 HTTP 路由、依赖与中间件，使 main 保持简单可读。
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatquota/internal/config"
	"chatquota/internal/middleware"
	"chatquota/internal/quota"
	"chatquota/internal/store"
	"chatquota/internal/version"
	"chatquota/router"
)

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Version version.BuildInfo
}

type App struct {
	cfg     config.Config
	db      *sql.DB
	store   *store.Store
	meter   *quota.Meter
	cost    quota.CostModel
	version version.BuildInfo
	engine  *gin.Engine
}

func NewApp(opts AppOptions) (*App, error) {
	cost := quota.NewCostModel(opts.Config.Quota, opts.Config.Pricing)

	var st *store.Store
	var records quota.RecordStore
	if opts.Config.DB.Driver == "memory" {
		records = quota.NewMemoryStore(opts.Config.Quota)
	} else {
		st = store.New(opts.DB)
		st.SetDialect(store.Dialect(opts.Config.DB.Driver))
		st.SetQuotaPolicy(opts.Config.Quota)
		records = st
	}
	meter := quota.NewMeter(records, cost)

	app := &App{
		cfg:     opts.Config,
		db:      opts.DB,
		store:   st,
		meter:   meter,
		cost:    cost,
		version: opts.Version,
	}

	if opts.Config.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	router.SetRouter(engine, router.Options{
		Meter:   meter,
		Cost:    cost,
		Store:   st,
		Quota:   opts.Config.Quota,
		Pricing: opts.Config.Pricing,
		Payment: opts.Config.Payment,

		PublicBaseURL: publicBaseURL(opts.Config),

		Healthz: app.handleHealthz,

		StripeWebhook: app.handleStripeWebhook,
		EPayNotify:    app.handleEPayNotify,
	})
	app.engine = engine
	return app, nil
}

// Handler 返回带通用中间件的完整处理链：请求体限额在最外层，
// 之后是 request_id 注入与访问日志。
func (a *App) Handler() http.Handler {
	var h http.Handler = a.engine
	h = middleware.AccessLog(h)
	h = middleware.RequestID(h)
	h = middleware.MaxBytes(a.cfg.Server.MaxBodyBytes, h)
	return h
}

func publicBaseURL(cfg config.Config) string {
	if v := strings.TrimSpace(cfg.Server.PublicBaseURL); v != "" {
		return strings.TrimRight(v, "/")
	}
	scheme := "http"
	host := "localhost"
	port := ""
	if h, p, err := net.SplitHostPort(cfg.Server.Addr); err == nil {
		port = p
		if h != "" && h != "0.0.0.0" && h != "::" {
			host = h
		}
	} else {
		port = strings.TrimPrefix(cfg.Server.Addr, ":")
	}
	if port == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK      bool   `json:"ok"`
		Env     string `json:"env"`
		Version string `json:"version"`
		Date    string `json:"date"`

		DBOK bool `json:"db_ok"`
	}

	dbOK := true
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbOK = a.db.PingContext(ctx) == nil
	}

	out := resp{
		OK:      true,
		Env:     a.cfg.Env,
		Version: a.version.Version,
		Date:    a.version.Date,
		DBOK:    dbOK,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}
