package pipeline

import (
	"context"
	"log/slog"

	"apigen/internal/config"
	"apigen/internal/metrics"
	"apigen/internal/model"
	"apigen/internal/planner"
	"apigen/internal/registry"
	"apigen/internal/sandbox"
	"apigen/internal/shaper"
)

// Service drives the full generate → execute → shape → register sequence
// synchronously. Each step's artifact is kept on the returned PublishResult
// even when a later step fails, so callers can surface partial progress.
type Service struct {
	planner  *planner.Service
	executor *sandbox.Executor
	shaper   *shaper.Service
	registry *registry.Registry
	cfg      *config.Config
	logger   *slog.Logger
}

func New(pl *planner.Service, ex *sandbox.Executor, sh *shaper.Service, reg *registry.Registry, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{planner: pl, executor: ex, shaper: sh, registry: reg, cfg: cfg, logger: logger}
}

// GenerateAndPublish runs the whole pipeline for one scrape request. The
// returned result always carries every artifact produced before the first
// failure.
func (s *Service) GenerateAndPublish(ctx context.Context, req model.ScrapeRequest) (*model.PublishResult, error) {
	out := &model.PublishResult{}

	plan, err := s.planner.Generate(ctx, req)
	if err != nil {
		return out, err
	}
	out.Plan = plan
	if s.logger != nil {
		s.logger.Info("plan generated", "model", plan.Model, "tokens", plan.TokensUsed, "generation_ms", plan.GenerationMs)
	}

	exec := s.executor.ExecutePlan(ctx, *plan, s.cfg.ExecutionTimeout())
	out.Execution = &exec
	metrics.RecordExecution(exec.OK, len(exec.PerSource))
	if s.logger != nil {
		s.logger.Info("plan executed",
			"ok", exec.OK, "records", len(exec.Records),
			"sources", len(exec.PerSource), "elapsed_ms", exec.ElapsedMs)
	}

	parsed, err := s.shaper.Shape(ctx, exec, req)
	if err != nil {
		return out, err
	}
	out.Parsed = parsed

	info, err := s.registry.Create(ctx, parsed, req.Description)
	if err != nil {
		return out, err
	}
	out.Endpoint = info
	if s.logger != nil {
		s.logger.Info("endpoint published", "endpoint_id", info.EndpointID, "access_url", info.AccessURL)
	}
	return out, nil
}
