package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/extract"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/pipeline"
	"github.com/hammy15/snfalyze-sub014/internal/store"
)

// pipelineEnv bundles the wired components a command needs.
type pipelineEnv struct {
	Store   store.Store
	Manager *pipeline.Manager
}

// initPipeline wires store, extractor, and manager from config.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	catalog, err := model.DefaultCatalog()
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "load field catalog")
	}

	extractor := extract.NewAnthropic(cfg.Anthropic, catalog)
	manager := pipeline.NewManager(cfg, st, extractor, catalog)

	return &pipelineEnv{Store: st, Manager: manager}, nil
}

// Close shuts the environment down in dependency order.
func (e *pipelineEnv) Close() {
	e.Manager.Close()
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("closing store", zap.Error(err))
	}
}
