package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"slices"

	"go.uber.org/zap"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/config"
	"github.com/paccafe/retail-etl/internal/deadletter"
	"github.com/paccafe/retail-etl/internal/etllog"
	"github.com/paccafe/retail-etl/internal/extract"
	"github.com/paccafe/retail-etl/internal/jobs"
	"github.com/paccafe/retail-etl/internal/load"
	"github.com/paccafe/retail-etl/internal/logging"
	"github.com/paccafe/retail-etl/internal/metrics"
	"github.com/paccafe/retail-etl/internal/pg"
	"github.com/paccafe/retail-etl/internal/sheet"
)

// app holds what every step shares. Databases are opened on first use so a
// step never needs a store it does not touch.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	recorder *etllog.Recorder
	sink     *deadletter.Sink

	dbs     map[string]*sql.DB
	closers []io.Closer

	// progress receives a line per finished table when set.
	progress io.Writer
}

func newApp(ctx context.Context, opts options) (*app, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	log, logFile, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		dbs:     make(map[string]*sql.DB),
		closers: []io.Closer{logFile},
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	logDB, err := a.open(ctx, "etl_log", a.cfg.Log)
	if err != nil {
		return err
	}
	query, err := etllog.LoadQuery(a.cfg.QueriesDir)
	if err != nil {
		return err
	}
	a.recorder = etllog.New(logDB,
		etllog.WithLogger(a.log),
		etllog.WithFailureCounter(a.metrics.LogWriteFailures),
		etllog.WithLatestQuery(query),
	)

	store, err := deadletter.NewMinio(deadletter.MinioConfig{
		Endpoint:  a.cfg.Minio.Endpoint,
		AccessKey: a.cfg.Minio.AccessKey,
		SecretKey: a.cfg.Minio.SecretKey,
		UseSSL:    a.cfg.Minio.UseSSL,
	})
	if err != nil {
		return err
	}
	a.sink = deadletter.New(store)
	return nil
}

// open connects to a store once and reuses the handle afterwards.
func (a *app) open(ctx context.Context, name string, db config.Database) (*sql.DB, error) {
	if h, ok := a.dbs[name]; ok {
		return h, nil
	}
	h, err := pg.Open(ctx, db.DSN())
	if err != nil {
		return nil, fmt.Errorf("%s database: %w", name, err)
	}
	a.dbs[name] = h
	a.closers = append(a.closers, h)
	a.log.Debug("database connected", zap.String("store", name), zap.String("host", db.Host), zap.String("dbname", db.DBName))
	return h, nil
}

// Close releases the databases, then the log file.
func (a *app) Close() {
	_ = a.log.Sync()
	for _, c := range slices.Backward(a.closers) {
		_ = c.Close()
	}
}

func (a *app) pipeline(step string, js []etl.Job) (*etl.Pipeline, error) {
	run := runLog{log: a.log, step: step, tables: len(js)}
	opts := []etl.Option{
		etl.WithRecorder(a.recorder),
		etl.WithDeadLetter(a.sink, a.cfg.Minio.Bucket),
		etl.WithObserver(a.metrics),
		etl.WithLogger(a.log),
		etl.WithStarter(run),
		etl.WithStopper(run),
	}
	if a.progress != nil {
		opts = append(opts, etl.WithProgress(&progress{w: a.progress, total: len(js)}))
	}
	return etl.New(js, opts...)
}

func (a *app) loader(db *sql.DB) *load.Upserter {
	return load.New(db, load.WithLogger(a.log), load.WithMaxRows(a.cfg.Load.MaxRows))
}

func (a *app) staging(ctx context.Context) ([]*etl.Report, error) {
	src, err := a.open(ctx, "source", a.cfg.Source)
	if err != nil {
		return nil, err
	}
	stg, err := a.open(ctx, "staging", a.cfg.Staging)
	if err != nil {
		return nil, err
	}

	sources := jobs.StagingSources{
		Database:       extract.NewSnapshotReader(src),
		SourceSchema:   a.cfg.SourceSchema,
		SpreadsheetKey: a.cfg.Spreadsheet.Key,
		Worksheet:      a.cfg.Spreadsheet.Worksheet,
	}
	switch {
	case a.cfg.Spreadsheet.Key == "":
		a.log.Warn("no spreadsheet configured, store_branch is not staged")
	default:
		cli, err := sheet.NewClient(ctx, a.cfg.Spreadsheet.CredentialsPath)
		if err != nil {
			// The other tables can still be staged.
			a.log.Error("spreadsheet unavailable, store_branch is not staged", zap.Error(err))
			break
		}
		sources.Sheet = sheet.NewReader(cli)
	}

	p, err := a.pipeline(etl.StepStaging, jobs.Staging(sources, a.loader(stg), a.cfg.StagingSchema))
	if err != nil {
		return nil, err
	}
	report, err := p.Run(ctx)
	return []*etl.Report{report}, err
}

func (a *app) warehouse(ctx context.Context) ([]*etl.Report, error) {
	stg, err := a.open(ctx, "staging", a.cfg.Staging)
	if err != nil {
		return nil, err
	}
	wh, err := a.open(ctx, "warehouse", a.cfg.Warehouse)
	if err != nil {
		return nil, err
	}

	js := jobs.WarehouseJobs(jobs.Definitions(), jobs.WarehouseSources{
		Staging:       extract.NewIncremental(stg, a.recorder, a.log),
		StagingSchema: a.cfg.StagingSchema,
		Keys:          extract.NewDimensionReader(wh, a.cfg.WarehouseSchema),
	}, a.loader(wh), a.cfg.WarehouseSchema)

	p, err := a.pipeline(etl.StepWarehouse, js)
	if err != nil {
		return nil, err
	}
	report, err := p.Run(ctx)
	return []*etl.Report{report}, err
}

// all runs warehouse after staging, even when staging tables failed: the
// warehouse then works from what staging already holds.
func (a *app) all(ctx context.Context) ([]*etl.Report, error) {
	reports, err := a.staging(ctx)
	if err != nil {
		return reports, err
	}
	more, err := a.warehouse(ctx)
	return append(reports, more...), err
}

func (a *app) pushMetrics(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	if err := a.metrics.Push(context.WithoutCancel(ctx), url, a.cfg.Metrics.Job); err != nil {
		a.log.Warn("metrics push failed", zap.Error(err))
	}
}
