package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"netlock/pkg/bus"
	"netlock/pkg/config"
	"netlock/pkg/kv"
	"netlock/pkg/logger"
	gos3 "netlock/pkg/s3"
	"netlock/services/archive"
	"netlock/services/collector"
	"netlock/services/events"
	"netlock/services/ingest"
	"netlock/services/targets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "collector",
		Short:         "NetLock target state and event log collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newTargetsCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newEmitCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(ctx context.Context) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

// openRegistry opens the configured store for one-shot commands. The caller
// closes the returned store.
func openRegistry(ctx context.Context, cfg config.Config, log zerolog.Logger) (*targets.Registry, kv.Store, error) {
	store, err := collector.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, err := targets.NewRegistry(store, nil, targets.WithLogger(log))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return reg, store, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collector HTTP API, NATS ingest and stream relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			return collector.Run(ctx, cfg, log)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := collector.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info().Str("store", cfg.Store).Msg("schema up to date")
			return nil
		},
	}
}

func newTargetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Inspect stored targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTargetsListCommand())
	return cmd
}

func newTargetsListCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every stored target snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			reg, store, err := openRegistry(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := reg.List(ctx)
			if err != nil {
				return err
			}
			return writeFormatted(cmd.OutOrStdout(), format, map[string]any{"targets": list})
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "json", "Output format (json or yaml)")
	return cmd
}

// writeFormatted encodes v as indented JSON or as YAML. YAML goes through
// JSON first so field names match the HTTP API.
func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Event log operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newLogsExportCommand())
	return cmd
}

func newLogsExportCommand() *cobra.Command {
	var (
		targetID string
		output   string
		upload   bool
		linkTTL  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a target's event log as zstd compressed JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !upload && output == "" {
				return fmt.Errorf("either --output or --upload is required")
			}

			ctx := commandContext(cmd)
			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			reg, store, err := openRegistry(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := []archive.Option{archive.WithLogger(log)}
			if upload {
				client, err := gos3.NewClient(ctx, cfg.S3)
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				opts = append(opts, archive.WithObjectStore(client, cfg.S3.Bucket))
			}
			exp, err := archive.NewExporter(reg, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				n, err := exportFile(ctx, exp, targetID, output)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %d records to %s\n", n, output)
			}
			if upload {
				obj, err := exp.Upload(ctx, targetID)
				if err != nil {
					return err
				}
				url, err := exp.Link(ctx, obj, linkTTL)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "uploaded %d records to s3://%s/%s\n%s\n", obj.Records, obj.Bucket, obj.Key, url)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&targetID, "target", "", "Target id to export")
	cmd.Flags().StringVar(&output, "output", "", "Destination file (.jsonl.zst)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the export to the archive bucket")
	cmd.Flags().DurationVar(&linkTTL, "link-ttl", 15*time.Minute, "Lifetime of the presigned download link")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func exportFile(ctx context.Context, exp *archive.Exporter, targetID, path string) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return exp.Write(ctx, f, targetID)
}

func newEmitCommand() *cobra.Command {
	var (
		targetID string
		payload  string
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish one beacon event to the ingest subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := events.Decode([]byte(payload))
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			cfg, _, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is required")
			}

			b, err := bus.New(cfg.NATSURL, nats.Name("netlock-emit"))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.EnsureStream(cfg.IngestStream, cfg.IngestSubject); err != nil {
				return err
			}
			msg := ingest.BeaconMessage{TargetID: targetID, Event: json.RawMessage(payload)}
			if err := b.Publish(ctx, cfg.IngestSubject, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s for %s\n", ev.Kind(), targetID)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetID, "target", "", "Target id the event belongs to")
	cmd.Flags().StringVar(&payload, "event", "", "Event JSON, e.g. {\"event\":\"processCreated\",\"name\":\"nginx\",\"pid\":1}")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
