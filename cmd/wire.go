package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/duynhne/imagegen-service/config"
	database "github.com/duynhne/imagegen-service/internal/core"
	"github.com/duynhne/imagegen-service/internal/core/censor"
	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/core/gemini"
	"github.com/duynhne/imagegen-service/internal/core/repository"
	"github.com/duynhne/imagegen-service/internal/core/txt2img"
	logicv1 "github.com/duynhne/imagegen-service/internal/logic/v1"
	"github.com/duynhne/imagegen-service/middleware"
)

// ledgers are the durable stores selected by STORAGE_KIND.
type ledgers struct {
	references domain.ReferenceRepository
	provenance domain.ProvenanceRepository
	audit      domain.AuditRepository
	pool       *pgxpool.Pool
}

func (l *ledgers) Close() {
	if l.pool != nil {
		l.pool.Close()
		log.Info().Msg("Database pool closed")
	}
}

func openLedgers(ctx context.Context, cfg *config.Config) (*ledgers, error) {
	switch cfg.Storage.Kind {
	case config.StoragePostgres:
		pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("Database connection pool established")
		return &ledgers{
			references: repository.NewReferenceRepository(pool),
			provenance: repository.NewProvenanceRepository(pool),
			audit:      repository.NewAuditRepository(pool),
			pool:       pool,
		}, nil

	default:
		refs, err := repository.NewFileReferenceRepository(filepath.Join(cfg.Storage.Dir, "references.json"))
		if err != nil {
			return nil, err
		}
		prov, err := repository.NewFileProvenanceRepository(filepath.Join(cfg.Storage.Dir, "provenance.json"))
		if err != nil {
			return nil, err
		}
		log.Info().Str("dir", cfg.Storage.Dir).Msg("File ledgers opened")
		return &ledgers{
			references: refs,
			provenance: prov,
			audit:      repository.NewFileAuditRepository(filepath.Join(cfg.Storage.Dir, "audit.jsonl")),
		}, nil
	}
}

var errModerationUnconfigured = errors.New("moderation backend not configured (GEMINI_API_KEY)")

// unconfiguredModeration reports every check as failed, so requests follow
// the degraded path.
type unconfiguredModeration struct{}

func (unconfiguredModeration) Classify(context.Context, string) (domain.PromptVerdict, error) {
	return domain.PromptVerdict{}, errModerationUnconfigured
}

func (unconfiguredModeration) RewriteToSafe(context.Context, string) (string, error) {
	return "", errModerationUnconfigured
}

func (unconfiguredModeration) Enhance(context.Context, string, int) (string, error) {
	return "", errModerationUnconfigured
}

type unconfiguredImages struct{}

func (unconfiguredImages) Classify(context.Context, image.Image) ([]domain.Detection, error) {
	return nil, errModerationUnconfigured
}

// services bundles what the HTTP server runs.
type services struct {
	generation *logicv1.GenerationService
	registry   *logicv1.SessionRegistry
}

func buildServices(ctx context.Context, cfg *config.Config, l *ledgers, reg prometheus.Registerer) (*services, error) {
	preset, err := cfg.LoadPresets()
	if err != nil {
		return nil, err
	}

	var (
		classifier domain.PromptClassifier = unconfiguredModeration{}
		rewriter   domain.PromptRewriter   = unconfiguredModeration{}
		images     domain.ImageClassifier  = unconfiguredImages{}
	)
	if cfg.Moderation.GeminiAPIKey != "" {
		client, err := gemini.NewClient(ctx, cfg.Moderation.GeminiAPIKey, cfg.Moderation.GeminiModel)
		if err != nil {
			return nil, err
		}
		classifier = gemini.NewPromptClassifier(client)
		rewriter = gemini.NewPromptRewriter(client)
		images = gemini.NewImageClassifier(client)
		log.Info().Str("model", client.Name()).Msg("Moderation backend configured")
	} else {
		log.Warn().Bool("fail_closed", cfg.Moderation.FailClosed).Msg("GEMINI_API_KEY not set, moderation runs degraded")
	}

	credits := logicv1.CreditPolicy{
		Enforced:               cfg.Credits.Enforced,
		InitialGrant:           cfg.Credits.InitialGrant,
		Wait:                   cfg.GetCreditWaitDuration(),
		ReferralEnabled:        cfg.Credits.ReferralEnabled,
		ReferralCreditPerImage: cfg.Credits.ReferralCreditPerImage,
		UploadReward:           cfg.Credits.UploadReward,
	}
	moderation := logicv1.ModerationPolicy{
		NSFWEnabled:      cfg.Moderation.NSFWEnabled,
		MaxNSFWWarnings:  cfg.Moderation.MaxNSFWWarnings,
		ImageThreshold:   cfg.Moderation.ImageThreshold,
		CensorMethod:     domain.CensorMethod(cfg.Moderation.CensorMethod),
		CensorPadding:    cfg.Moderation.CensorPadding,
		FailClosed:       cfg.Moderation.FailClosed,
		Concurrency:      cfg.Moderation.Concurrency,
		EnhanceMaxLength: cfg.Moderation.EnhanceMaxLength,
	}

	metrics := middleware.NewMetrics(reg)
	generator := logicv1.NewExclusive(txt2img.NewClient(cfg.Generation.Endpoint, &http.Client{}))

	var onIdle func(context.Context)
	if cfg.Generation.IdleUnload {
		onIdle = logicv1.UnloadOnIdle(generator)
	}
	registry := logicv1.NewSessionRegistry(cfg.GetIdleWindowDuration(), metrics, onIdle)

	gen := logicv1.NewGenerationService(logicv1.Deps{
		Ledger:     logicv1.NewCreditLedger(credits, l.references, l.provenance, metrics),
		Prompts:    logicv1.NewPromptModerator(moderation, classifier, rewriter),
		Images:     logicv1.NewImageModerator(moderation, images, censor.New()),
		Generator:  generator,
		Registry:   registry,
		Locks:      logicv1.NewSessionLocks(),
		Provenance: l.provenance,
		Audit:      l.audit,
		Metrics:    metrics,
	}, preset, moderation)

	return &services{generation: gen, registry: registry}, nil
}
