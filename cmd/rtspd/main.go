// Command rtspd runs the RTSP relay server: it wires together
// pkg/session's FSM manager, pkg/rtspserver's connection handling, and
// the ambient logging/metrics stack, then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/streamforge/rtspd/internal/logging"
	"github.com/streamforge/rtspd/internal/metrics"
	"github.com/streamforge/rtspd/pkg/headers"
	"github.com/streamforge/rtspd/pkg/rtspserver"
	"github.com/streamforge/rtspd/pkg/scheduler"
	"github.com/streamforge/rtspd/pkg/session"
)

// config is the on-disk shape of --config. Every field has a sane
// zero-value default so an empty or partial file still runs.
type config struct {
	ListenAddr  string        `yaml:"listen_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LocalIP     string        `yaml:"local_ip"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	LogLevel    string        `yaml:"log_level"`
	LogPretty   bool          `yaml:"log_pretty"`

	Auth struct {
		Required bool   `yaml:"required"`
		User     string `yaml:"user"`
		Pass     string `yaml:"pass"`
	} `yaml:"auth"`
}

func defaultConfig() config {
	var c config
	c.ListenAddr = ":8554"
	c.MetricsAddr = ":9100"
	c.LocalIP = "0.0.0.0"
	c.IdleTimeout = 120 * time.Second
	c.LogLevel = "info"
	return c
}

func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	rootLog := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Logger = rootLog

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New(metrics.Config{})

	sched := scheduler.New(0)

	mgr := session.NewManager(session.Config{
		LocalIP:     cfg.LocalIP,
		IdleTimeout: cfg.IdleTimeout,
		RequireAuth: cfg.Auth.Required,
		User:        cfg.Auth.User,
		Pass:        cfg.Auth.Pass,
		AuthMethods: []headers.Method{headers.AuthDigest, headers.AuthBasic},
		Scheduler:   sched,
		Metrics:     m,
		Log:         logging.Component(rootLog, "session"),
	})
	defer mgr.Close()
	defer sched.Close()

	srv, err := rtspserver.Listen(rtspserver.Config{
		Addr:         cfg.ListenAddr,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: 10 * time.Second,
		Manager:      mgr,
		Metrics:      m,
		Log:          logging.Component(rootLog, "rtspserver"),
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("failed to bind RTSP listener")
	}
	defer srv.Close()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", srv.Addr().String()).Msg("rtspd listening")
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("rtsp accept loop stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
