package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"debate-replay/server/internal/api"
	"debate-replay/server/internal/audiocache"
	"debate-replay/server/internal/config"
	"debate-replay/server/internal/fetch"
	"debate-replay/server/internal/timeline"
)

func main() {
	// 以“本地可跑、可调试”为优先：配置走 YAML 文件，部署相关项可用环境变量覆盖。
	// - DEBATE_CACHE_PATH：sqlite 缓存文件路径
	// - DEBATE_CATALOG_PATH：辩论目录 JSON 路径
	configPath := flag.String("config", "server/configs/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var cache audiocache.Store
	switch cfg.Cache.Backend {
	case "sqlite":
		store, err := audiocache.NewSQLiteStore(cfg.Cache.Path)
		if err != nil {
			log.Fatalf("open audio cache: %v", err)
		}
		defer store.Close()
		cache = store
	default:
		cache = audiocache.NewInMemoryStore()
	}

	server, err := api.NewServer(cfg, cache, fetch.NewClient().Fetch, timeline.NewInMemoryStore())
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("debate-replay server listening on %s", addr)
	// 不给 http.Server 设读写超时：/stream 是长连接，超时会掐断它。
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
