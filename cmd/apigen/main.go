package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"apigen/internal/config"
	server "apigen/internal/http"
	"apigen/internal/llm"
	"apigen/internal/model"
	"apigen/internal/pipeline"
	"apigen/internal/planner"
	"apigen/internal/registry"
	"apigen/internal/sandbox"
	"apigen/internal/scraper"
	"apigen/internal/shaper"
	"apigen/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	requestPath := flag.String("request", "", "path to a scrape request JSON file to generate and publish")
	serveOnly := flag.Bool("serve", false, "serve previously registered endpoints without publishing")
	flag.Parse()

	// .env values feed the same environment overrides as real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("apply env failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer st.Close()

	// Bind before composing access URLs so the fallback port is known.
	ln, port, err := server.BindListener(cfg)
	if err != nil {
		log.Fatalf("bind failed: %v", err)
	}
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, port)

	reg := registry.New(st, baseURL)
	srv := server.NewServer(cfg, reg, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("server listening", "base_url", baseURL)

	if *serveOnly || *requestPath == "" {
		if err := <-serveErr; err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	req, err := loadRequest(*requestPath)
	if err != nil {
		log.Fatalf("load request failed: %v", err)
	}

	client, err := llm.NewClient(cfg)
	if err != nil {
		log.Fatalf("llm client init failed: %v", err)
	}

	sc := scraper.NewHTTPScraper(cfg.ScrapeTimeout(), cfg.Robots.Respect)
	pipe := pipeline.New(
		planner.New(client, cfg, logger),
		sandbox.NewExecutor(sc, cfg, logger),
		shaper.New(client, cfg, logger),
		reg,
		cfg,
		logger,
	)

	result, err := pipe.GenerateAndPublish(context.Background(), *req)
	if err != nil {
		logger.Error("publish failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("published %s\n", result.Endpoint.AccessURL)

	// Keep serving the new endpoint until interrupted.
	if err := <-serveErr; err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func loadRequest(path string) (*model.ScrapeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req model.ScrapeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}
