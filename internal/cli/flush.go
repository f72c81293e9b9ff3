package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/terra-clan/research-engine/internal/cache"
	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/submit"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	Sessions      []string
	ParticipantID int64
	Endpoint      string
	APIKey        string
}

// FlushReport is the outcome for one cached session
type FlushReport struct {
	SessionID     string                   `json:"session_id"`
	ParticipantID *int64                   `json:"participant_id,omitempty"`
	Pending       int                      `json:"pending"`
	Result        *submit.SubmissionResult `json:"result,omitempty"`
	Skipped       string                   `json:"skipped,omitempty"`
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Submit results left in the cache",
		Long: `Submit trial results that are still cached because their sessions were
closed, reaped or interrupted before every chunk was confirmed.

Results go to the local database, or to SUBMISSION_ENDPOINT (or --endpoint)
when set. Confirmed results are dropped from the cache.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Sessions, "session", nil, "session IDs to flush (default: every cached session)")
	cmd.Flags().Int64Var(&opts.ParticipantID, "participant", 0, "participant ID for sessions cached without one")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "remote research-engine URL (overrides SUBMISSION_ENDPOINT)")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "API key for the remote endpoint")

	return cmd
}

func runFlush(cmd *cobra.Command, rootOpts *RootOptions, opts *FlushOptions) error {
	cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Endpoint != "" {
		cfg.Submission.Endpoint = opts.Endpoint
	}
	if opts.APIKey != "" {
		cfg.Submission.APIKey = opts.APIKey
	}
	if cfg.Cache.Driver == "memory" {
		return fmt.Errorf("flush needs a persistent cache; CACHE_DRIVER is %q", cfg.Cache.Driver)
	}

	ctx := cmd.Context()
	b := newBackends()
	defer b.Close()

	if err := b.openCache(ctx, cfg); err != nil {
		return err
	}

	var store *persistence.Service
	if cfg.Submission.Endpoint == "" {
		if err := b.openRepository(ctx, cfg.Database, false); err != nil {
			return err
		}
		studies, err := loadStudy(cfg.Study.File)
		if err != nil {
			return err
		}
		store = persistence.NewService(b.repo, studies)
	}

	var participant *int64
	if opts.ParticipantID > 0 {
		participant = &opts.ParticipantID
	}

	reports, err := FlushCached(ctx, b.cache, newPipeline(cfg.Submission, store), opts.Sessions, participant)
	if err != nil {
		return err
	}

	if err := printResult(rootOpts, cmd.OutOrStdout(), reports, func(w io.Writer) { printFlushReports(w, reports) }); err != nil {
		return err
	}

	for _, r := range reports {
		if r.Result != nil && !r.Result.OK() {
			return fmt.Errorf("some results could not be submitted")
		}
	}
	return nil
}

// FlushCached submits the cached results of the given sessions, or of every
// cached session when ids is empty. The participant ID recorded with the
// results wins; fallback is used only for sessions cached without one.
// Confirmed results are removed from the cache key by key.
func FlushCached(ctx context.Context, c cache.Cache, pipeline *submit.Pipeline, ids []string, fallback *int64) ([]FlushReport, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = c.Sessions(ctx); err != nil {
			return nil, fmt.Errorf("failed to list cached sessions: %w", err)
		}
	}

	reports := make([]FlushReport, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		results, err := c.Load(ctx, id)
		if err != nil {
			return reports, fmt.Errorf("failed to load session %s: %w", id, err)
		}

		report := FlushReport{SessionID: id, Pending: len(results)}
		if len(results) == 0 {
			report.Skipped = "nothing cached"
			reports = append(reports, report)
			continue
		}

		report.ParticipantID = participantOf(results, fallback)
		if report.ParticipantID == nil {
			report.Skipped = "no participant; pass --participant"
			reports = append(reports, report)
			continue
		}

		result := pipeline.Flush(ctx, *report.ParticipantID, results)
		report.Result = &result

		// Only confirmed keys go; a live server may have cached more since Load.
		if err := c.Remove(ctx, id, result.Saved...); err != nil {
			slog.Warn("failed to update cache after flush", "session_id", id, "error", err)
		}

		slog.Info("session flushed",
			"session_id", id,
			"participant_id", *report.ParticipantID,
			"saved", result.SavedCount,
			"failed", result.FailedCount,
		)
		reports = append(reports, report)
	}

	return reports, nil
}

func participantOf(results []models.TrialResult, fallback *int64) *int64 {
	for _, r := range results {
		if r.ParticipantID != nil {
			id := *r.ParticipantID
			return &id
		}
	}
	return fallback
}

func printFlushReports(w io.Writer, reports []FlushReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "no cached sessions")
		return
	}
	for _, r := range reports {
		switch {
		case r.Skipped != "":
			fmt.Fprintf(w, "%s: skipped (%s)\n", r.SessionID, r.Skipped)
		case r.Result.OK():
			fmt.Fprintf(w, "%s: saved %d of %d\n", r.SessionID, r.Result.SavedCount, r.Pending)
		default:
			fmt.Fprintf(w, "%s: saved %d, failed %d\n", r.SessionID, r.Result.SavedCount, r.Result.FailedCount)
			for _, e := range r.Result.Errors {
				fmt.Fprintf(w, "  %s: %s\n", e.Key, e.Message)
			}
		}
	}
}
