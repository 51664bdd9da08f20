package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenpvm/internal/config"
	"github.com/pbinitiative/zenpvm/internal/otel"
	"github.com/pbinitiative/zenpvm/pkg/jobexecutor"
	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/loader"
	"github.com/pbinitiative/zenpvm/pkg/script/feel"
	"github.com/pbinitiative/zenpvm/pkg/script/js"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"github.com/pbinitiative/zenpvm/pkg/storage/boltdb"
	"github.com/pbinitiative/zenpvm/pkg/storage/inmemory"
	"github.com/pbinitiative/zenpvm/pkg/zenflake"
	"go.uber.org/multierr"
)

// app holds everything a command needs, built once from the configuration.
type app struct {
	conf    config.Config
	store   storage.Storage
	engine  *pvm.Engine
	loader  *loader.Loader
	out     io.Writer
	closers []func() error
}

func newApp(ctx context.Context, conf config.Config, o *otel.Otel, out io.Writer) (*app, error) {
	a := app{conf: conf, out: out}

	switch conf.Storage.Driver {
	case config.StorageDriverInMemory:
		a.store = inmemory.NewStorage()
	case config.StorageDriverBolt:
		store, err := boltdb.Open(ctx, conf.Storage.Path, conf.Storage.OpenTimeout)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", conf.Storage.Driver)
	}

	node, err := zenflake.NewNode(nodeId(conf.Engine.NodeId))
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}

	jsCtx, jsCancel := context.WithCancel(ctx)
	a.closers = append(a.closers, func() error {
		jsCancel()
		return nil
	})
	a.loader = loader.New(loader.DefaultRegistry(), feel.NewFeelRuntime(), js.NewJsRuntime(jsCtx, 4, 1))

	options := []pvm.EngineOption{
		pvm.EngineWithStorage(a.store),
		pvm.EngineWithName(conf.Name),
		pvm.EngineWithKeyGenerator(node),
		pvm.EngineWithLogger(hclog.Default().Named("pvm-engine")),
		pvm.EngineWithJobRetries(conf.Engine.JobRetries),
		pvm.EngineWithDefinitionCache(conf.Engine.DefinitionCacheSize, conf.Engine.DefinitionCacheTTL),
		pvm.EngineWithDefinitionParser(a.loader.Parser()),
	}
	if o != nil {
		metrics, err := o.EngineMetrics()
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		options = append(options, pvm.EngineWithMetrics(metrics), pvm.EngineWithTracer(o.Tracer()))
	}
	a.engine = pvm.NewEngine(options...)
	return &a, nil
}

// nodeId accepts a numeric node id or derives one from a node name.
func nodeId(name string) int64 {
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return id
	}
	return zenflake.NodeIdOf(name)
}

func (a *app) newExecutor() (*jobexecutor.Executor, error) {
	exclusivity, err := jobexecutor.ParseExclusivity(a.conf.JobExecutor.Exclusivity)
	if err != nil {
		return nil, err
	}
	return jobexecutor.NewExecutor(a.engine, a.store, jobexecutor.Config{
		PollInterval:  a.conf.JobExecutor.PollInterval,
		BatchSize:     a.conf.JobExecutor.BatchSize,
		MaxConcurrent: a.conf.JobExecutor.MaxConcurrent,
		MaxRetries:    a.conf.JobExecutor.MaxRetries,
		BackoffMin:    a.conf.JobExecutor.BackoffMin,
		BackoffMax:    a.conf.JobExecutor.BackoffMax,
		Exclusivity:   exclusivity,
	}), nil
}

func (a *app) print(v any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
