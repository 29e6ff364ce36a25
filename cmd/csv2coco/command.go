package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/usecase"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/logging"
)

type options struct {
	categories      string
	keepUndecodable bool
	logLevel        string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "csv2coco <source.csv> <dest.coco.json>",
		Short: "Convert a detection result CSV into a COCO annotation file",
		Long: `Convert a result.csv exported by the detection query into a COCO
document. Only checked rows contribute; predictions with unknown
categories or incomplete boxes are skipped.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.categories, "categories", "c", "", "JSON or YAML file with an id to name mapping")
	cmd.Flags().BoolVar(&opts.keepUndecodable, "keep-undecodable", false, "keep images whose infer_raw_result cannot be decoded")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	return cmd
}

func run(cmd *cobra.Command, opts *options, src, dst string) error {
	logger := logging.New(cmd.ErrOrStderr(), "csv2coco", opts.logLevel)

	categories := domain.DefaultCategoryTable()
	if opts.categories != "" {
		table, err := config.LoadCategories(opts.categories)
		if err != nil {
			return fmt.Errorf("load categories: %w", err)
		}
		categories = table
	}

	result, err := usecase.ConvertCSVFile(src, dst, categories, usecase.CompileOptions{
		KeepUndecodableImages: opts.keepUndecodable,
	})
	if err != nil {
		return err
	}

	logSkips(logger, result)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d images, %d annotations, %d categories\n",
		dst,
		len(result.Document.Images),
		len(result.Document.Annotations),
		len(result.Document.Categories),
	)
	return nil
}

func logSkips(logger *slog.Logger, result domain.CompileResult) {
	counts := result.SkipCounts()
	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		logger.Warn("coco_compile_skips", "reason", reason, "count", counts[domain.SkipReason(reason)])
	}
	for _, s := range result.Skips {
		logger.Debug("coco_compile_skip", "row", s.Row, "prediction", s.Prediction, "reason", string(s.Reason), "detail", s.Detail)
	}
}
