package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/curtbushko/teams-cdr/internal/assistant"
	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/graph"
	"github.com/curtbushko/teams-cdr/internal/httpclient"
	"github.com/curtbushko/teams-cdr/internal/llm"
	"github.com/curtbushko/teams-cdr/internal/logging"
	"github.com/curtbushko/teams-cdr/internal/progress"
	"github.com/curtbushko/teams-cdr/internal/store"
)

// window returns the [now-days, now] range; days <= 0 uses the configured lookback
func window(cfg *config.Config, days int) (time.Time, time.Time) {
	end := time.Now().UTC()
	lookback := cfg.Lookback()
	if days > 0 {
		lookback = time.Duration(days) * 24 * time.Hour
	}
	return end.Add(-lookback), end
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// fetchRecords loads the records for the list-style commands, restricted to
// user when set and to the watchlist when one is configured
func fetchRecords(cmd *cobra.Command, cfg *config.Config, offline bool, days, limit int, user string) ([]cdr.CallRecord, error) {
	source, closeSource, err := openSource(cfg, offline)
	if err != nil {
		return nil, err
	}
	defer closeSource()

	wl, err := openWatchlist(cfg, false)
	if err != nil {
		return nil, err
	}
	defer wl.Close()

	ctx := cmd.Context()
	service := cdr.NewService(source)
	start, end := window(cfg, days)

	var records []cdr.CallRecord
	if user != "" {
		records, err = service.GetUserCalls(ctx, user, &start, &end)
		if err == nil && limit > 0 && len(records) > limit {
			records = records[:limit]
		}
	} else {
		if limit <= 0 {
			limit = cfg.Context.FetchLimit
		}
		records, err = service.GetCallRecords(ctx, &start, &end, limit)
	}
	if err != nil {
		return nil, err
	}
	return wl.Filter(records), nil
}

type callsOutput struct {
	Records []cdr.CallRecord `json:"records"`
	Summary cdr.Summary      `json:"summary"`
}

// createCallsCommand creates the calls subcommand
func createCallsCommand() *cobra.Command {
	var (
		days    int
		limit   int
		user    string
		asJSON  bool
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recent call records with summary statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			logging.LogCommand("calls", map[string]interface{}{"days": days, "limit": limit, "user": user, "offline": offline})

			records, err := fetchRecords(cmd, cfg, offline, days, limit, user)
			if err != nil {
				return err
			}
			summary := cdr.Summarize(records)

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), callsOutput{Records: records, Summary: summary})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cdr.FormatContext(records, &summary, len(records)))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "days of call history (default: context.lookback_days)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to fetch (default: context.fetch_limit)")
	cmd.Flags().StringVar(&user, "user", "", "only calls with this account id, email or display name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records and summary as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	return cmd
}

// createCallCommand creates the call subcommand
func createCallCommand() *cobra.Command {
	var (
		sessions bool
		asJSON   bool
		offline  bool
		question string
	)

	cmd := &cobra.Command{
		Use:   "call <id>",
		Short: "Show a single call record",
		Long:  "Show a single call record, or with --ask put a question about it to the language model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			source, closeSource, err := openSource(cfg, offline)
			if err != nil {
				return err
			}
			defer closeSource()

			record, err := cdr.NewService(source).GetCallRecord(cmd.Context(), args[0], sessions || question != "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if question != "" {
				return askAboutCall(cmd, cfg, record, question)
			}
			if asJSON {
				return writeJSON(out, record)
			}
			fmt.Fprintln(out, record.Summary())
			if sessions {
				fmt.Fprintf(out, "\nSessions (%d):\n", len(record.Sessions))
				for i := range record.Sessions {
					fmt.Fprintf(out, "  - %s\n", record.Sessions[i].Summary())
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&sessions, "sessions", false, "include call sessions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	cmd.Flags().StringVar(&question, "ask", "", "question about this call for the language model")
	return cmd
}

// askAboutCall sends the record and its sessions as context for question
func askAboutCall(cmd *cobra.Command, cfg *config.Config, record *cdr.CallRecord, question string) error {
	client, err := llm.NewClientFromConfig(cfg)
	if errors.Is(err, llm.ErrNotConfigured) {
		return errors.New(assistant.LLMNotConfiguredMessage)
	}
	if err != nil {
		return err
	}

	lines := []string{record.Summary()}
	for i := range record.Sessions {
		lines = append(lines, "Session: "+record.Sessions[i].Summary())
	}
	answer, err := client.QueryCalls(cmd.Context(), question, strings.Join(lines, "\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}

// createSummaryCommand creates the summary subcommand
func createSummaryCommand() *cobra.Command {
	var (
		days      int
		user      string
		narrative bool
		offline   bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print call statistics as JSON",
		Long:  "Print aggregate call statistics as JSON, or with --narrative ask the language model for a written summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			records, err := fetchRecords(cmd, cfg, offline, days, 0, user)
			if err != nil {
				return err
			}

			if !narrative {
				return writeJSON(cmd.OutOrStdout(), cdr.Summarize(records))
			}

			client, err := llm.NewClientFromConfig(cfg)
			if errors.Is(err, llm.ErrNotConfigured) {
				return errors.New(assistant.LLMNotConfiguredMessage)
			}
			if err != nil {
				return err
			}

			summaries := make([]string, 0, len(records))
			for i := range records {
				summaries = append(summaries, records[i].Summary())
			}
			if days <= 0 {
				days = cfg.Context.LookbackDays
			}
			response, err := client.SummarizeCalls(cmd.Context(), summaries, fmt.Sprintf("the last %d days", days))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "days of call history (default: context.lookback_days)")
	cmd.Flags().StringVar(&user, "user", "", "only calls with this account id, email or display name")
	cmd.Flags().BoolVar(&narrative, "narrative", false, "write the summary with the language model")
	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	return cmd
}

// createQualityCommand creates the quality subcommand
func createQualityCommand() *cobra.Command {
	var (
		analyze bool
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "quality <id>",
		Short: "Show media quality metrics for a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			source, closeSource, err := openSource(cfg, offline)
			if err != nil {
				return err
			}
			defer closeSource()

			record, err := cdr.NewService(source).GetCallRecord(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}

			report := cdr.FormatQualityReport([]cdr.CallRecord{*record})
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report)
			if !analyze {
				return nil
			}

			client, err := llm.NewClientFromConfig(cfg)
			if errors.Is(err, llm.ErrNotConfigured) {
				return errors.New(assistant.LLMNotConfiguredMessage)
			}
			if err != nil {
				return err
			}
			analysis, err := client.AnalyzeCallQuality(cmd.Context(), report)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nAnalysis:\n%s\n", analysis)
			return nil
		},
	}

	cmd.Flags().BoolVar(&analyze, "analyze", false, "ask the language model to analyze the metrics")
	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	return cmd
}

// createAskCommand creates the ask subcommand
func createAskCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question about recent calls",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, cleanup, err := newAssistant(cfg, offline, false)
			if err != nil {
				return err
			}
			defer cleanup()

			response, err := a.ProcessQuery(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response)
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	return cmd
}

// createChatCommand creates the interactive chat subcommand
func createChatCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation about recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, cleanup, err := newAssistant(cfg, offline, true)
			if err != nil {
				return err
			}
			defer cleanup()
			return runChat(cmd, a)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local store instead of Graph")
	return cmd
}

func runChat(cmd *cobra.Command, a *assistant.Assistant) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Ask questions about Teams call records in natural language.")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  - Show me calls from last week")
	fmt.Fprintln(out, "  - How many calls did john@company.com make yesterday?")
	fmt.Fprintln(out, "  - What's the average call duration?")
	fmt.Fprintln(out, "Commands: 'quit' to exit, 'clear' to reset conversation, 'reload' to reread the watchlist")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(out, "\nGoodbye!")
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(input) {
		case "":
			continue
		case "quit", "exit", "q":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case "clear":
			a.ClearHistory()
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		case "reload":
			count, err := a.ReloadWatchlist()
			if err != nil {
				fmt.Fprintf(out, "Watchlist not reloaded: %v\n", err)
			} else {
				fmt.Fprintf(out, "Watchlist reloaded (%d entries).\n", count)
			}
			continue
		}

		response, err := a.ProcessQuery(cmd.Context(), input)
		if httpclient.IsRetryableError(err) {
			fmt.Fprintf(out, "\nAssistant: The service is busy or unreachable right now, please try again in a moment (%v)\n", err)
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "\nAssistant: Sorry, something went wrong: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\nAssistant: %s\n", response)
	}
}

// createExportCommand creates the export subcommand
func createExportCommand() *cobra.Command {
	var (
		days        int
		limit       int
		sessions    bool
		concurrency int
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy call records from Graph into the local store",
		Long: `Fetch call records for the lookback window from Microsoft Graph and save
them to the local SQLite store. With --sessions each call's sessions are
fetched as well, using up to --concurrency requests at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			remote, _, err := openSource(cfg, false)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			started := time.Now()
			service := cdr.NewService(store.NewWriteThrough(remote, st))
			start, end := window(cfg, days)
			records, err := service.GetCallRecords(ctx, &start, &end, limit)
			if err != nil {
				return err
			}

			var failed int64
			if sessions && len(records) > 0 {
				bar := progress.New(int64(len(records)), progress.Config{
					Writer:   cmd.ErrOrStderr(),
					Units:    "calls",
					Disabled: noProgress || !progress.IsTerminal(cmd.ErrOrStderr()),
				})
				failed = exportSessions(ctx, service, records, concurrency, bar)
				bar.Finish()
			}

			logging.LogPerformance(logging.PerformanceMetrics{
				Operation: "export",
				Duration:  time.Since(started),
				Records:   len(records),
				Success:   failed == 0,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d call records to %s\n", len(records), cfg.Store.Path)
			if failed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Sessions could not be fetched for %d calls (see log)\n", failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "days of call history (default: context.lookback_days)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to export (0 = no limit)")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "also export call sessions")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "concurrent session requests")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

// exportSessions loads sessions for every record with at most limit requests
// in flight and returns how many records failed. A failure for one call does
// not stop the others.
func exportSessions(ctx context.Context, service *cdr.Service, records []cdr.CallRecord, limit int, bar *progress.Bar) int64 {
	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range records {
		record := &records[i]
		g.Go(func() error {
			defer bar.Increment()
			if err := service.LoadSessions(ctx, record); err != nil {
				failed.Add(1)
				logging.WarnWithContext(ctx, "Skipping sessions for %s: %v", record.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed.Load()
}

// createUsersCommand creates the users lookup subcommand
func createUsersCommand() *cobra.Command {
	var byID bool

	cmd := &cobra.Command{
		Use:   "users <query>",
		Short: "Look up directory users for the watchlist",
		Long:  "Search users whose display name or mail starts with query, or with --id fetch one user by object id or UPN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			client, err := graph.NewClientFromConfig(cfg)
			if errors.Is(err, graph.ErrNotConfigured) {
				return errors.New(assistant.GraphNotConfiguredMessage)
			}
			if err != nil {
				return err
			}

			var users []graph.User
			if byID {
				user, err := client.GetUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				users = []graph.User{*user}
			} else {
				users, err = client.SearchUsers(cmd.Context(), args[0])
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintln(out, "No users found.")
				return nil
			}
			for _, u := range users {
				mail := u.UserPrincipalName
				if u.Mail != nil && *u.Mail != "" {
					mail = *u.Mail
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", u.ID, u.DisplayName, mail)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&byID, "id", false, "treat the argument as an object id or user principal name")
	return cmd
}

// createWatchlistCommand creates the watchlist subcommand
func createWatchlistCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watchlist",
		Short: "Show the watched users",
		Long:  "Print the entries loaded from the watchlist file, the users whose calls the other commands keep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Watchlist.File == "" {
				fmt.Fprintln(out, "No watchlist configured; all calls are included.")
				return nil
			}

			wl, err := openWatchlist(cfg, false)
			if err != nil {
				return err
			}
			defer wl.Close()

			stats := wl.Stats()
			fmt.Fprintf(out, "Watchlist: %s (%d entries, %d skipped)\n", cfg.Watchlist.File, stats.TotalEntries, stats.Skipped)
			for _, entry := range wl.Entries() {
				fmt.Fprintf(out, "  %s\n", entry)
			}
			return nil
		},
	}
}
