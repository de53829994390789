// peerflow reviews academic manuscripts with a panel of specialist model
// agents and synthesizes a weighted review report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"peerflow/internal/config"
	"peerflow/internal/ingest"
	"peerflow/internal/logging"
	"peerflow/internal/review"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "peerflow",
	Short: "peerflow - automated manuscript review pipeline",
	Long: `peerflow runs submitted manuscripts through domain detection, four
concurrent specialist reviewers (methodology, literature, clarity, ethics),
issue deduplication, and weighted score synthesis. Progress is checkpointed
so interrupted reviews can resume.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.Development); err != nil {
			return err
		}
		return initApp(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp()
		logging.Sync()
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <manuscript-file>",
	Short: "Submit a manuscript and run the full review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		id, err := ingest.Submit(app.store, args[0], title)
		if err != nil {
			return fmt.Errorf("failed to submit manuscript: %w", err)
		}
		fmt.Printf("submission %s created\n", id)

		if err := app.orchestrator.StartReview(cmd.Context(), id); err != nil {
			return err
		}
		return printReport(id)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <submission-id>",
	Short: "Show the progress of a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := app.orchestrator.GetStatus(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("submission: %s\n", st.SubmissionID)
		fmt.Printf("title:      %s\n", st.Title)
		fmt.Printf("status:     %s\n", st.Status)
		if st.Stage != "" {
			fmt.Printf("stage:      %s\n", st.Stage)
		}
		if st.Domain != "" {
			fmt.Printf("domain:     %s\n", st.Domain)
		}
		if st.Degraded {
			fmt.Println("degraded:   yes")
		}
		if st.ErrorDetail != "" {
			fmt.Printf("error:      %s\n", st.ErrorDetail)
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <submission-id>",
	Short: "Print the final review report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printReport(args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <submission-id>",
	Short: "Resume an interrupted review from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.orchestrator.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printReport(args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <submission-id>",
	Short: "Cancel a review running in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.orchestrator.Cancel(args[0])
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [inbox-dir]",
	Short: "Watch an inbox directory and review dropped manuscripts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := app.cfg.Workspace + "/inbox"
		if len(args) == 1 {
			dir = args[0]
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		watcher, err := ingest.NewWatcher(app.store, app.orchestrator, dir)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
		fmt.Printf("watching %s, drop .txt/.md/.tex files to review (ctrl-c to stop)\n", dir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "cache-clean",
	Short: "Remove expired response and embedding cache entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := app.store.ClearExpired()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired cache entries\n", n)
		return nil
	},
}

func printReport(id string) error {
	report, err := app.orchestrator.GetReport(id)
	if err != nil {
		return err
	}

	fmt.Printf("\noverall score:  %.1f/10\n", report.OverallScore)
	fmt.Printf("recommendation: %s\n", report.Recommendation)
	fmt.Println("agent scores:")
	for _, agent := range review.CanonicalAgents {
		if score, ok := report.AgentScores[agent]; ok {
			fmt.Printf("  %-12s %.1f/10\n", agent, score)
		}
	}
	if report.Degraded {
		fmt.Println("note: review is degraded (a reviewer missed quality targets)")
	}
	if len(report.Issues) > 0 {
		fmt.Printf("\nissues (%d):\n", len(report.Issues))
		for _, issue := range report.Issues {
			fmt.Printf("  [%s] %s (x%d)\n", issue.Severity, issue.Text, issue.Corroboration())
		}
	}
	fmt.Println("\n" + report.Narrative)
	fmt.Println("\n" + report.Disclaimer)
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "peerflow.json", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	reviewCmd.Flags().String("title", "", "manuscript title (defaults to file name)")

	rootCmd.AddCommand(reviewCmd, statusCmd, reportCmd, resumeCmd, cancelCmd, watchCmd, cacheCleanCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
