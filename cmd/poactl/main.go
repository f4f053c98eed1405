// Command poactl is the operator CLI: it ingests statutes, runs retrieval
// for a case file and inspects stored artifacts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/poalegal"
)

// openEngine is replaced in tests.
var openEngine = func(ctx context.Context, cfg poalegal.Config) (poalegal.Engine, error) {
	return poalegal.New(ctx, cfg)
}

type cliOptions struct {
	configPath string
	verbose    bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "poactl",
		Short:         "Statute retrieval for Power-of-Attorney validity checks",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (YAML or JSON)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	artifact := &cobra.Command{Use: "artifact", Short: "Inspect retrieval artifacts"}
	artifact.AddCommand(newArtifactShowCmd(opts), newArtifactVerdictCmd(opts))

	root.AddCommand(newIngestCmd(opts), newRetrieveCmd(opts), artifact, newAreasCmd(opts))
	return root
}

func (o *cliOptions) engine(ctx context.Context) (poalegal.Engine, error) {
	cfg := poalegal.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = poalegal.LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return openEngine(ctx, cfg)
}

func newIngestCmd(opts *cliOptions) *cobra.Command {
	var lawID string
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Load statute files (pdf, xlsx, json, jsonl, txt) into the article store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var ingestOpts []poalegal.IngestOption
			if lawID != "" {
				ingestOpts = append(ingestOpts, poalegal.WithLawID(lawID))
			}
			if force {
				ingestOpts = append(ingestOpts, poalegal.WithForce())
			}
			for _, path := range args {
				res, err := e.Ingest(cmd.Context(), path, ingestOpts...)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tlaw=%s articles=%d upserted=%d unchanged=%d embedded=%d failed=%d\n",
					path, res.LawID, res.Articles, res.Upserted, res.Unchanged, res.Embedded, res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lawID, "law-id", "", "law id for articles that carry none (default: file name)")
	cmd.Flags().BoolVar(&force, "force", false, "re-embed unchanged articles")
	return cmd
}

func newRetrieveCmd(opts *cliOptions) *cobra.Command {
	var withArtifact bool
	cmd := &cobra.Command{
		Use:   "retrieve <case.json>",
		Short: "Run retrieval for a case file with case_id, issues and legal_brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readCase(args[0])
			if err != nil {
				return err
			}
			e, err := opts.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Retrieve(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := map[string]any{
				"case_id":        req.CaseID,
				"artifact_id":    res.Artifact.ArtifactID,
				"stop_reason":    res.Artifact.StopReason,
				"coverage_score": res.Artifact.CoverageScore,
				"articles":       res.Articles,
			}
			if withArtifact {
				out["artifact"] = res.Artifact.ToStorable()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&withArtifact, "artifact", false, "include the full evaluation artifact")
	return cmd
}

func readCase(path string) (poalegal.RetrieveRequest, error) {
	var req poalegal.RetrieveRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("reading case file: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decoding case file: %w", err)
	}
	return req, nil
}

func newArtifactShowCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Print a stored artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.Artifact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newArtifactVerdictCmd(opts *cliOptions) *cobra.Command {
	var confidence float64
	cmd := &cobra.Command{
		Use:   "verdict <artifact-id> <verdict>",
		Short: "Record the validity verdict for an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RecordVerdict(cmd.Context(), args[0], args[1], confidence)
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "verdict confidence in [0,1]")
	return cmd
}

func newAreasCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "areas",
		Short: "List the legal areas checklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			areas := e.Areas()
			w := cmd.OutOrStdout()
			for _, id := range areas.AreaIDs() {
				a := areas.Areas[id]
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, a.NameEN, a.NameAR)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
