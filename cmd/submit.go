package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const dateLayout = "2006-01-02"

func newSubmitCmd() *cobra.Command {
	var (
		since, until string
		limit        int
		bookmarkID   int64
		url          string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submits crawl jobs for bookmarks without content",
		Long: `Lists bookmarks from the bookmark service and submits a crawl job for
each one that has no content, no permanent-failure flag and no pending job.
With --bookmark-id and --url a single bookmark is submitted instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Config().RequireCrawl(); err != nil {
				return err
			}
			orch := appInstance.Orchestrator()

			if bookmarkID != 0 || url != "" {
				if bookmarkID <= 0 || url == "" {
					return fmt.Errorf("--bookmark-id and --url must be given together")
				}
				job, err := orch.FetchContent(cmd.Context(), bookmarkID, url)
				if err != nil {
					return fmt.Errorf("submit bookmark %d: %w", bookmarkID, err)
				}
				if job == nil {
					return printJSON(cmd, map[string]any{"bookmark_id": bookmarkID, "skipped": true})
				}
				return printJSON(cmd, job)
			}

			window, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			source, err := appInstance.Source()
			if err != nil {
				return err
			}
			bookmarks, err := source.List(cmd.Context(), window)
			if err != nil {
				return fmt.Errorf("list bookmarks: %w", err)
			}
			if limit == 0 {
				limit = appInstance.Config().Orchestrator.BatchLimit
			}
			report, err := orch.SubmitBookmarks(cmd.Context(), bookmarks, limit)
			if err != nil {
				return fmt.Errorf("submit bookmarks: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only bookmarks created on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "only bookmarks created on or before this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to submit (0 uses orchestrator.batch_limit, -1 is unlimited)")
	cmd.Flags().Int64Var(&bookmarkID, "bookmark-id", 0, "submit a single bookmark by id")
	cmd.Flags().StringVar(&url, "url", "", "url of the single bookmark")
	return cmd
}

func parseWindow(since, until string) (crawljob.DateRange, error) {
	var window crawljob.DateRange
	if since != "" {
		t, err := time.Parse(dateLayout, since)
		if err != nil {
			return window, fmt.Errorf("parse --since: %w", err)
		}
		window.From = t
	}
	if until != "" {
		t, err := time.Parse(dateLayout, until)
		if err != nil {
			return window, fmt.Errorf("parse --until: %w", err)
		}
		window.To = t
	}
	if !window.From.IsZero() && !window.To.IsZero() && window.To.Before(window.From) {
		return window, fmt.Errorf("--until must not be before --since")
	}
	return window, nil
}
