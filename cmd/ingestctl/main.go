// Command ingestctl fetches and types documents locally, using the same
// pipeline as the ingestion service but stopping before partitioning.
//
// Usage:
//
//	ingestctl inspect https://example.com/report.pdf https://example.com/data
//	ingestctl type ./notes.md ./archive.bin
//	ingestctl cache purge -c configs/development.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/cache"
	"github.com/Vantiq/unstructured-api/internal/ingestion/fetcher"
	"github.com/Vantiq/unstructured-api/internal/ingestion/filetype"
	"github.com/Vantiq/unstructured-api/internal/ingestion/session"
	"github.com/Vantiq/unstructured-api/internal/ingestion/validator"
	"github.com/Vantiq/unstructured-api/pkg/config"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	pkgredis "github.com/Vantiq/unstructured-api/pkg/redis"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:          "ingestctl",
		Short:        "Fetch and type documents the way the ingestion service does",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetupWriter(cmd.ErrOrStderr(), logLevel, "text")
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(inspectCmd(&configPath))
	cmd.AddCommand(typeCmd())
	cmd.AddCommand(cacheCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ingestctl %s\n", Version)
		},
	})
	return cmd
}

func inspectCmd(configPath *string) *cobra.Command {
	var (
		threads     int
		tempDir     string
		contentType string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "inspect URL...",
		Short: "Fetch URLs into a temp directory and report their resolved types",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threads") {
				cfg.Ingestion.DownloadThreads = threads
			}
			if tempDir != "" {
				cfg.Ingestion.TempDir = tempDir
			}
			req := buildRequest(args, contentType)
			if err := validator.ValidatePartitionURLsRequest(req, cfg.Ingestion.MaxURLs); err != nil {
				return err
			}

			svc := session.New(
				session.ConfigFrom(cfg.Ingestion),
				fetcher.New(fetcher.ConfigFrom(cfg.Ingestion), nil),
				filetype.NewResolver(nil),
				nil,
			)
			records, err := svc.Inspect(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records, asJSON)
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 2, "Concurrent downloads")
	cmd.Flags().StringVar(&tempDir, "temp-dir", "", "Root directory for downloaded documents")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Explicit content type applied to every URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func typeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "type FILE...",
		Short: "Resolve the content type of local files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := typeFiles(filetype.NewResolver(nil), args)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func cacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the partition result cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove every cached partition result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return fmt.Errorf("redis is not enabled in the configuration")
			}
			client, err := pkgredis.NewClient(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := cache.New(client, cfg.Redis.CacheTTL, nil).Invalidate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache purged")
			return nil
		},
	})
	return cmd
}

func buildRequest(urls []string, contentType string) *ingestion.PartitionURLsRequest {
	req := &ingestion.PartitionURLsRequest{URLs: make([]ingestion.ReferenceEntry, len(urls))}
	for i, u := range urls {
		if contentType == "" {
			req.URLs[i] = ingestion.URLOnly(u)
			continue
		}
		req.URLs[i] = ingestion.URLWithContext(ingestion.StructuredReference{URL: u, ContentType: contentType})
	}
	return req
}

func typeFiles(r *filetype.Resolver, paths []string) ([]ingestion.DocumentRecord, error) {
	records := make([]ingestion.DocumentRecord, 0, len(paths))
	for i, path := range paths {
		rec, err := typeFile(r, path)
		if err != nil {
			return nil, err
		}
		rec.Position = i
		records = append(records, rec)
	}
	return records, nil
}

func typeFile(r *filetype.Resolver, path string) (ingestion.DocumentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingestion.DocumentRecord{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ingestion.DocumentRecord{}, err
	}
	res, err := r.Resolve(f, filepath.Base(path), "", fetcher.DefaultEncoding)
	if err != nil {
		return ingestion.DocumentRecord{}, fmt.Errorf("typing %s: %w", path, err)
	}
	return ingestion.DocumentRecord{
		URL:         path,
		Filename:    filepath.Base(path),
		ContentType: res.MIMEType,
		TypeSource:  string(res.Source),
		Size:        info.Size(),
	}, nil
}

func writeRecords(w io.Writer, records []ingestion.DocumentRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSOURCE\tCONTENT TYPE\tTYPED BY\tSIZE\tSPILLED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\n", rec.Position, rec.URL, rec.ContentType, rec.TypeSource, rec.Size, rec.Spilled)
	}
	return tw.Flush()
}
