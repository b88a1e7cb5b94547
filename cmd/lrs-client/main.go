package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bm-lrs/lrs-rpc-go/internal/cliconfig"
	"github.com/bm-lrs/lrs-rpc-go/lrsrpc"
	lrsotel "github.com/bm-lrs/lrs-rpc-go/lrsrpc/otel"
)

const helpDescription = `
Upload point observations to an LRS exchange service and persist the
computed results.

The client streams the input parquet file in fixed-size chunks, half-closes
the upload, then drains the service's result stream into the output parquet
file as it arrives. Server-side progress messages are relayed to the local
log at their original severity.
`

var exampleUsage = strings.TrimSpace(`
  lrs-client --server 10.0.0.5:50051 --input events.parquet
  lrs-client --input rni.parquet --lat-column TO_STA_LAT --lon-column TO_STA_LONG --route-id-column LINKID
  lrs-client --config $HOME/.lrs-client/config.toml --trace
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// readSource loads every record batch from a parquet file. The batches are
// retained and owned by the caller.
func readSource(ctx context.Context, path string, batchSize int64) ([]arrow.RecordBatch, *arrow.Schema, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		BatchSize: batchSize,
	}, memory.NewGoAllocator())
	if err != nil {
		return nil, nil, fmt.Errorf("create arrow reader: %w", err)
	}

	schema, err := reader.Schema()
	if err != nil {
		return nil, nil, fmt.Errorf("read schema: %w", err)
	}

	rr, err := reader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create record reader: %w", err)
	}
	defer rr.Release()

	var batches []arrow.RecordBatch
	for rr.Next() {
		rec := rr.RecordBatch()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := rr.Err(); err != nil {
		releaseAll(batches)
		return nil, nil, fmt.Errorf("read records: %w", err)
	}
	return batches, schema, nil
}

func releaseAll(batches []arrow.RecordBatch) {
	for _, b := range batches {
		b.Release()
	}
}

// setupTelemetry installs stdout trace and metric providers and returns a
// shutdown function.
func setupTelemetry(ctx context.Context) (func(context.Context) error, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		terr := tp.Shutdown(ctx)
		merr := mp.Shutdown(ctx)
		if terr != nil {
			return terr
		}
		return merr
	}, nil
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	log := cliconfig.Logger()

	root := &cobra.Command{
		Use:     "lrs-client",
		Short:   "Stream point observations to an LRS exchange service",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cliconfig.FileExists(cfg.Input) {
				return fmt.Errorf("input file does not exist: %s", cfg.Input)
			}

			if cfg.Verbose {
				log = log.Level(zerolog.DebugLevel)
			}
			log.Info().
				Str("server", cfg.Server).
				Str("input", cfg.Input).
				Str("output", cfg.Output).
				Int64("chunk_size", cfg.ChunkSize).
				Msg("configuration")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var hook lrsrpc.SessionHook
			if cfg.Trace {
				shutdown, err := setupTelemetry(ctx)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(sctx); err != nil {
						log.Warn().Err(err).Msg("telemetry shutdown")
					}
				}()
				hook = lrsotel.NewHook(lrsotel.DefaultConfig())
			}

			start := time.Now()
			source, schema, err := readSource(ctx, cfg.Input, cfg.ChunkSize)
			if err != nil {
				return err
			}
			defer releaseAll(source)
			log.Info().
				Int("batches", len(source)).
				Str("schema", schema.String()).
				Dur("elapsed", time.Since(start)).
				Msg("source loaded")

			aliases := map[string]string{}
			if cfg.RouteIDColumn != lrsrpc.ColRouteID {
				aliases[lrsrpc.ColRouteID] = cfg.RouteIDColumn
			}
			if cfg.LatColumn != lrsrpc.ColLat {
				aliases[lrsrpc.ColLat] = cfg.LatColumn
			}
			if cfg.LonColumn != lrsrpc.ColLon {
				aliases[lrsrpc.ColLon] = cfg.LonColumn
			}

			session, err := lrsrpc.NewSession(lrsrpc.Config{
				Addr: cfg.Server,
				Descriptor: lrsrpc.Descriptor{
					Operation: cfg.Operation,
					Params:    map[string]string{"crs": cfg.CRS},
				},
				ChunkSize:           cfg.ChunkSize,
				ColumnAliases:       aliases,
				OutputPath:          cfg.Output,
				ConcurrentThreshold: cfg.ConcurrentThreshold,
				DialTimeout:         cfg.DialTimeout,
				Logger:              &log,
				Hook:                hook,
			})
			if err != nil {
				return err
			}

			report, err := session.Run(ctx, source)
			if report != nil {
				ev := log.Info()
				if err != nil {
					ev = log.Error().Err(err)
				}
				timings := report.Timings
				if timings == nil {
					timings = &lrsrpc.Timings{}
				}
				recv := "-"
				if d, ok := timings.ReceiveDuration(); ok {
					recv = d.String()
				}
				ev.
					Str("status", report.Status.String()).
					Str("request_id", report.RequestID).
					Int64("rows_sent", report.RowsSent).
					Int64("batches_sent", report.BatchesSent).
					Int64("rows_persisted", report.RowsPersisted).
					Int64("data_frames", report.DataFrames).
					Int64("metadata_frames", report.MetadataFrames).
					Str("output", report.OutputPath).
					Dur("send", timings.SendDuration()).
					Str("receive", recv).
					Dur("total", timings.TotalDuration()).
					Msg("exchange finished")
			}
			return err
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.lrs-client/config.toml)")
	root.Flags().StringVar(&cfg.Server, "server", cfg.Server, "exchange service address (host:port)")
	root.Flags().StringVar(&cfg.Input, "input", cfg.Input, "input parquet file with point observations")
	root.Flags().StringVar(&cfg.Output, "output", cfg.Output, "output parquet file (default: <input>_results.parquet)")
	root.Flags().StringVar(&cfg.Operation, "operation", cfg.Operation, "remote operation name")
	root.Flags().StringVar(&cfg.CRS, "crs", cfg.CRS, "coordinate reference system of the input points")
	root.Flags().StringVar(&cfg.RouteIDColumn, "route-id-column", cfg.RouteIDColumn, "source column holding the route identifier")
	root.Flags().StringVar(&cfg.LatColumn, "lat-column", cfg.LatColumn, "source column holding the latitude")
	root.Flags().StringVar(&cfg.LonColumn, "lon-column", cfg.LonColumn, "source column holding the longitude")
	root.Flags().Int64Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "rows per uploaded batch")
	root.Flags().Int64Var(&cfg.ConcurrentThreshold, "concurrent-threshold", cfg.ConcurrentThreshold, "row count above which upload and drain run concurrently")
	root.Flags().DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "TCP dial timeout")
	root.Flags().BoolVar(&cfg.Trace, "trace", cfg.Trace, "emit traces and metrics to stdout")
	root.Flags().BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("lrs-client")
		os.Exit(1)
	}
}
