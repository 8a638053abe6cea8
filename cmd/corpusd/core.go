package main

import (
	"context"
	"strings"

	"corpusd/internal/config"
	"corpusd/internal/embedding"
	"corpusd/internal/indexer"
	"corpusd/internal/jobs"
	"corpusd/internal/logging"
	"corpusd/internal/parser"
	"corpusd/internal/retrieval"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

// core bundles the long-lived components every subcommand composes from.
type core struct {
	cfg     config.Config
	store   *store.Store
	parser  *parser.Parser
	embed   *embedding.Client
	engine  *retrieval.Engine
	indexer *indexer.Indexer
}

// openCore loads the config, prepares the data-root layout, and opens the
// store, parser pool, embedding client, retrieval engine, and indexer.
func openCore() (*core, error) {
	cfg, err := config.Load(dataRoot)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.DataRoot); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	p, err := parser.New(cfg.Parser)
	if err != nil {
		st.Close()
		return nil, err
	}

	runner := embedding.NewOllamaRunner(
		cfg.Embedding.Endpoint, cfg.Embedding.Model,
		cfg.Embedding.Dimensions, cfg.Embedding.AttemptTimeout)
	client := embedding.NewClient(runner, cfg.Embedding)

	return &core{
		cfg:     cfg,
		store:   st,
		parser:  p,
		embed:   client,
		engine:  retrieval.New(st, client, cfg.Retrieval, cfg.Embedding.RerankEndpoint),
		indexer: indexer.New(cfg, st, p, client),
	}, nil
}

func (c *core) Close() {
	c.parser.Close()
	c.store.Close()
	logging.CloseAll()
}

// registerJobHandlers binds the queue's job kinds to the indexer pipelines.
func registerJobHandlers(queue *jobs.Queue, ix *indexer.Indexer) {
	queue.Register(types.JobStructuralIndex, func(ctx context.Context, a *jobs.Active) error {
		p := a.Params()
		_, err := ix.IndexStructural(ctx, p.KBID, p.Path, p.TokenBudget, nil, a)
		return err
	})
	queue.Register(types.JobSemanticIndex, func(ctx context.Context, a *jobs.Active) error {
		p := a.Params()
		var fileTypes []string
		if v := p.Extra["file_types"]; v != "" {
			fileTypes = strings.Split(v, ",")
		}
		_, err := ix.IndexSemanticFiltered(ctx, p.KBID, p.StructKBID, p.Path, p.Selective, fileTypes, a)
		return err
	})
	queue.Register(types.JobChunkEmbed, func(ctx context.Context, a *jobs.Active) error {
		p := a.Params()
		_, err := ix.EmbedPendingChunks(ctx, p.KBID, a)
		return err
	})
	queue.Register(types.JobReindexFile, func(ctx context.Context, a *jobs.Active) error {
		p := a.Params()
		_, err := ix.ReindexFile(ctx, p.KBID, p.Path)
		return err
	})
	queue.Register(types.JobSyncFile, func(ctx context.Context, a *jobs.Active) error {
		p := a.Params()
		return ix.SyncFile(ctx, types.SyncTask{
			Role:      p.Role,
			ProjectID: p.ProjectID,
			Path:      p.Path,
			EventKind: p.EventKind,
		})
	})
}
