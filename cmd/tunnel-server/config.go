package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-tunnel/internal/logging"
)

const configFile = "go_tunnel.json"

type TunnelConfig struct {
	ListenAddr     string `json:"listen_addr"`
	WSPath         string `json:"ws_path"`
	FetchTimeoutMs int    `json:"fetch_timeout_ms"`
	Fetchers       int    `json:"fetchers"`
	LogLevel       string `json:"log_level"`
	LogFile        string `json:"log_file"`
	RequestLog     bool   `json:"request_log"`
	RequireAuth    bool   `json:"require_auth"`
}

// defaultConfig returns the settings used when go_tunnel.json is missing or
// invalid.
func defaultConfig() *TunnelConfig {
	return &TunnelConfig{
		ListenAddr:     ":8080",
		WSPath:         "/tunnel",
		FetchTimeoutMs: 30000, // 30s
		Fetchers:       4,
		LogLevel:       "info",
		RequestLog:     true,
	}
}

// configPath resolves the config file: TUNNEL_CONFIG if set, otherwise
// go_tunnel.json in the working directory.
func configPath() string {
	if p := os.Getenv("TUNNEL_CONFIG"); p != "" {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return configFile
	}
	return filepath.Join(wd, configFile)
}

// loadConfig reads path and fixes up invalid values; any read or parse error
// falls back to the defaults. TUNNEL_SERVER_ADDR overrides listen_addr.
func loadConfig(path string, log *zap.Logger) *TunnelConfig {
	cfg := readConfig(path, log)

	if addr := os.Getenv("TUNNEL_SERVER_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	return cfg
}

func readConfig(path string, log *zap.Logger) *TunnelConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path), zap.Error(err))
		return defaultConfig()
	}

	// start from defaults so omitted keys keep their default
	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Warn("invalid config file, using defaults", zap.String("path", path), zap.Error(err))
		return defaultConfig()
	}

	def := defaultConfig()

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		log.Warn("listen_addr is empty, falling back", zap.String("default", def.ListenAddr))
		cfg.ListenAddr = def.ListenAddr
	}

	if !strings.HasPrefix(cfg.WSPath, "/") {
		log.Warn("ws_path does not start with '/', fixing", zap.String("ws_path", cfg.WSPath))
		cfg.WSPath = "/" + cfg.WSPath
	}
	if strings.HasPrefix(cfg.WSPath, "/__tunnel/") || cfg.WSPath == "/" {
		log.Warn("ws_path collides with a reserved route, falling back",
			zap.String("ws_path", cfg.WSPath), zap.String("default", def.WSPath))
		cfg.WSPath = def.WSPath
	}

	if cfg.FetchTimeoutMs <= 0 {
		log.Warn("fetch_timeout_ms is invalid, falling back",
			zap.Int("fetch_timeout_ms", cfg.FetchTimeoutMs), zap.Int("default", def.FetchTimeoutMs))
		cfg.FetchTimeoutMs = def.FetchTimeoutMs
	}

	if cfg.Fetchers <= 0 {
		log.Warn("fetchers is invalid, falling back",
			zap.Int("fetchers", cfg.Fetchers), zap.Int("default", def.Fetchers))
		cfg.Fetchers = def.Fetchers
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		log.Warn("log_level is invalid, falling back",
			zap.String("log_level", cfg.LogLevel), zap.String("default", def.LogLevel))
		cfg.LogLevel = def.LogLevel
	}

	return cfg
}

// watchConfig reloads path whenever it is written and hands the result to
// apply. It watches the parent directory so editors that replace the file
// by rename are still noticed. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, log *zap.Logger, apply func(*TunnelConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", dir)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				log.Info("config changed, reloading", zap.String("path", path))
				apply(loadConfig(path, log))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
