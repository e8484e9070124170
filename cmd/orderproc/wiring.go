package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/internal/config"
	"github.com/sds-orderproc/orderproc/pkg/audit"
	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/chatgateway"
	"github.com/sds-orderproc/orderproc/pkg/cleaner"
	"github.com/sds-orderproc/orderproc/pkg/embedding"
	"github.com/sds-orderproc/orderproc/pkg/erp"
	"github.com/sds-orderproc/orderproc/pkg/extraction"
	"github.com/sds-orderproc/orderproc/pkg/feedback"
	"github.com/sds-orderproc/orderproc/pkg/llmclient"
	"github.com/sds-orderproc/orderproc/pkg/matching/confirmer"
	"github.com/sds-orderproc/orderproc/pkg/matching/retriever"
	"github.com/sds-orderproc/orderproc/pkg/notifier"
	"github.com/sds-orderproc/orderproc/pkg/orderwriter"
	"github.com/sds-orderproc/orderproc/pkg/pipeline"
	"github.com/sds-orderproc/orderproc/pkg/ports"
	"github.com/sds-orderproc/orderproc/pkg/sync"
)

// graph bundles every long-lived component cmd/orderproc constructs for
// one run — the "processing graph" the Supervisor tears down and
// rebuilds wholesale after too many consecutive failures (spec §4.12).
type graph struct {
	cfg        *config.Config
	store      *catalog.Store
	syncer     *sync.Syncer
	pipeline   *pipeline.Pipeline
	feedback   *feedback.Processor
	chat       ports.ChatGateway
	mailNotify ports.MailNotifier
	watcher    *catalog.Watcher
}

// build constructs the full processing graph from cfg: catalog load,
// embedding index (cache hit or rebuild), LLM/chat adapters, and every
// C1-C11 component wired into one pipeline.Pipeline. Called both at
// startup and by the Supervisor's Rebuilder on recovery, so it owns no
// state beyond what it returns — a fresh call means fresh everything.
func build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*graph, error) {
	store := catalog.NewStore(logger)
	productsPath := filepath.Join(cfg.Paths.CatalogDir, "products.json")
	customersPath := filepath.Join(cfg.Paths.CatalogDir, "customers.json")
	if err := store.LoadFromFiles(productsPath, customersPath); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	embedder := embedding.NewService(0, logger)
	index, err := loadOrBuildIndex(embedder, store, cfg.Paths.EmbeddingsDir, productsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("build embedding index: %w", err)
	}

	llm, err := llmclient.NewClient(llmclient.Config{APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model}, logger)
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}

	var chat ports.ChatGateway
	if cfg.Chat.BotToken != "" {
		c, err := chatgateway.New(cfg.Chat.BotToken, cfg.Chat.ChannelID, logger)
		if err != nil {
			return nil, fmt.Errorf("build chat gateway: %w", err)
		}
		chat = c
	}

	mailbox := ports.Mailbox(unconfiguredMailbox{reason: "no IMAP adapter wired; supply one implementing pkg/ports.Mailbox"})
	erpClient := ports.ERPClient(unconfiguredERPClient{reason: "no ERP RPC adapter wired; supply one implementing pkg/ports.ERPClient"})
	pdf := ports.PDFExtractor(unconfiguredTextExtractor{reason: "no PDF extractor wired"})
	ocr := ports.OCRExtractor(unconfiguredTextExtractor{reason: "no OCR extractor wired"})
	mailNotify := ports.MailNotifier(unconfiguredMailNotifier{reason: "no SMTP adapter wired"})

	cln := cleaner.New(pdf, ocr)
	extr := extraction.New(llm, extraction.Config{
		OwnCompanyAliases: cfg.OwnCompanyAliases,
		GenericsList:      cfg.GenericsList,
	}, logger)
	retr := retriever.New(store, embedder, index, cfg.Thresholds.SemanticFloor, int64(cfg.Supervisor.RetrievalConcurrency))
	conf := confirmer.New(llm, confirmer.Thresholds{
		AutoThreshold:   cfg.Thresholds.AutoThreshold,
		ReviewThreshold: cfg.Thresholds.ReviewThreshold,
	})
	verifier := erp.New(erpClient, logger)
	writer := orderwriter.New(erpClient, cfg.Features.EnableOrderCreation, logger)
	auditLogger := audit.New(cfg.Paths.AuditDir, logger)
	notif := notifier.New(chat, cfg.Chat.ChannelID, cfg.Features.EnableNotifications, logger)

	pl := pipeline.New(mailbox, store, cln, extr, retr, conf, verifier, writer, auditLogger, notif, pipeline.Config{
		PoolSize:            int64(cfg.Supervisor.PoolSize),
		EnableOrderCreation: cfg.Features.EnableOrderCreation,
		EnableNotifications: cfg.Features.EnableNotifications,
	}, logger)

	syncer := sync.New(erpClient, store, cfg.Paths.CatalogDir, logger)

	feedbackStore, err := feedback.NewStore(cfg.Paths.FeedbackDir)
	if err != nil {
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	g := &graph{cfg: cfg, store: store, syncer: syncer, pipeline: pl, chat: chat, mailNotify: mailNotify}
	feedbackCfg := feedback.Config{
		ConfidenceFloor:  cfg.Feedback.ConfidenceFloor,
		ResolutionWindow: time.Duration(cfg.Feedback.ResolutionWindowMinutes) * time.Minute,
		ImmediateRetrain: cfg.Features.ImmediateRetrain,
	}
	g.feedback = feedback.New(auditLogger, llm, feedbackStore, feedbackCfg,
		func(ctx context.Context, examples []feedback.TrainingExample) error {
			// No in-process extractor refresh exists for the Anthropic
			// adapter (spec §9: batch training examples instead of an
			// in-process model refresh); immediate-learn mode logs and
			// no-ops here rather than failing the correction.
			logger.WithField("examples", len(examples)).Info("training examples batched for out-of-process fine-tune")
			return nil
		},
		func(ctx context.Context, messageID string) (audit.Summary, error) {
			return pl.ProcessMessage(ctx, messageID)
		}, logger)

	watcher, err := catalog.WatchFiles(productsPath, customersPath, func() {
		logger.Info("catalog file changed on disk; embedding cache will rebuild on next graph build")
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to start catalog file watcher")
	} else {
		g.watcher = watcher
	}

	return g, nil
}

func loadOrBuildIndex(embedder *embedding.Service, store *catalog.Store, embeddingsDir, productsPath string, logger *logrus.Logger) (*embedding.Index, error) {
	mtime, err := fileModTime(productsPath)
	if err != nil {
		return nil, err
	}
	cachePath := embedding.CachePath(embeddingsDir, mtime)
	if idx, err := embedding.LoadIndex(cachePath); err == nil {
		logger.WithField("path", cachePath).Info("loaded embedding index from cache")
		return idx, nil
	}

	texts := make(map[int]string)
	for _, p := range store.AllProducts() {
		texts[p.ID] = p.TrimmedCode() + " " + p.Name
	}
	idx, err := embedder.Build(texts)
	if err != nil {
		return nil, err
	}
	if err := embedding.SaveIndex(cachePath, idx); err != nil {
		logger.WithError(err).Warn("failed to persist embedding index cache")
	}
	return idx, nil
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}
