package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/curtbushko/teams-cdr/internal/assistant"
	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/graph"
	"github.com/curtbushko/teams-cdr/internal/llm"
	"github.com/curtbushko/teams-cdr/internal/logging"
	"github.com/curtbushko/teams-cdr/internal/store"
	"github.com/curtbushko/teams-cdr/internal/watchlist"
)

var (
	// Version information - will be set during build
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	verbose    bool
)

// buildRootCommand creates and configures the root command
func buildRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "teams-cdr",
		Short: "Query and analyze Microsoft Teams call records",
		Long: `teams-cdr reads Microsoft Teams call detail records from the
Microsoft Graph callRecords API and answers questions about them with an
OpenAI or Azure OpenAI model.

This tool helps you:
- List recent calls with durations, participants and call types
- Summarize call activity for a period or a single user
- Inspect per-session media quality and get an analysis of it
- Ask natural-language questions about your Teams calls
- Export call records to a local SQLite store for offline use`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printStatus(cmd, cfg)
			cmd.Printf("\nRun 'teams-cdr chat' to start a conversation or 'teams-cdr --help' for all commands.\n")
			return nil
		},
	}

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(createStatusCommand())
	rootCmd.AddCommand(createCallsCommand())
	rootCmd.AddCommand(createCallCommand())
	rootCmd.AddCommand(createSummaryCommand())
	rootCmd.AddCommand(createQualityCommand())
	rootCmd.AddCommand(createAskCommand())
	rootCmd.AddCommand(createChatCommand())
	rootCmd.AddCommand(createExportCommand())
	rootCmd.AddCommand(createUsersCommand())
	rootCmd.AddCommand(createWatchlistCommand())

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path (default: config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose logging")

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger := logging.GetDefaultLogger(); logger != nil {
			logger.Close()
		}
	}

	return rootCmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, commit, and build information for teams-cdr",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("teams-cdr version %s\n", version)
			cmd.Printf("Commit: %s\n", commit)
			cmd.Printf("Build date: %s\n", buildDate)
		},
	}
}

// createConfigCommand creates the config help subcommand
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show configuration file structure and examples",
		Long:  "Display the configuration file structure, environment variables and usage examples",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(configHelp)
		},
	}
}

const configHelp = `Configuration File Structure (config.yaml):

MICROSOFT GRAPH (Required for live data):
========================================
graph:
  tenant_id: "your_tenant_id"              # Entra ID tenant
  client_id: "your_app_client_id"          # App registration client ID
  client_secret: "your_app_client_secret"  # App registration secret
  base_url: "https://graph.microsoft.com"  # Graph base URL (default)
  api_version: "v1.0"                      # Graph API version (default: v1.0)
  page_size: 50                            # Records per page, 1-999 (default: 50)

# REQUIRED APPLICATION PERMISSION: CallRecords.Read.All (admin consent)

LANGUAGE MODEL (Required for ask and chat):
==========================================
openai:
  api_key: "sk-..."                        # OpenAI API key
  base_url: "https://api.openai.com/v1"    # OpenAI-compatible endpoint (default)
  model: "gpt-4"                           # Model, or deployment name on Azure
  temperature: 0.7                         # 0-2 (default: 0.7)
  max_tokens: 4096                         # Response limit (default: 4096)
  use_azure: false                         # Use Azure OpenAI
  azure_api_key: ""                        # Azure OpenAI key
  azure_endpoint: ""                       # https://<resource>.openai.azure.com
  azure_api_version: "2024-02-15-preview"  # Azure API version (default)

HTTP CONFIGURATION:
==================
http:
  retry_attempts: 3                # Retries on 429 and 5xx (default: 3)
  timeout_seconds: 30              # Request timeout (default: 30)

LOGGING CONFIGURATION:
=====================
logging:
  level: "info"                    # debug, info, warn, error (default: info)
  file: ""                         # Optional log file
  console: true                    # Log to stderr (default: true)
  json_format: false               # JSON log lines (default: false)

WATCHLIST (Optional):
====================
watchlist:
  file: "./watched_users.txt"      # Only include calls with these users
  watch: true                      # Reload when the file changes

# Watchlist file format (one email or Entra object id per line):
# alice@company.com
# 8f2a1c3e-4b5d-4e6f-9a0b-1c2d3e4f5a6b
# # Lines starting with # are comments

LOCAL STORE:
===========
store:
  path: "./teams-cdr.db"           # SQLite file used by export and --offline

CONTEXT:
=======
context:
  max_records: 20                  # Records listed in each prompt (default: 20)
  lookback_days: 7                 # Days of calls per question (default: 7)
  fetch_limit: 100                 # Records fetched per question (default: 100)

ENVIRONMENT VARIABLES:
=====================
  AZURE_TENANT_ID, AZURE_CLIENT_ID, AZURE_CLIENT_SECRET
  GRAPH_BASE_URL, GRAPH_API_VERSION, CALL_RECORDS_PAGE_SIZE
  OPENAI_API_KEY, OPENAI_BASE_URL, DEFAULT_MODEL, TEMPERATURE, MAX_TOKENS
  USE_AZURE_OPENAI, AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_VERSION
  LOG_LEVEL, WATCHLIST_FILE, CDR_STORE_PATH

Variables in a .env file in the working directory are loaded automatically.

EXAMPLE USAGE:
=============
  teams-cdr calls --days 14
  teams-cdr calls --user alice@company.com --json
  teams-cdr call <call-id> --sessions
  teams-cdr quality <call-id> --analyze
  teams-cdr call <call-id> --ask "Why did this call drop?"
  teams-cdr ask "How many meetings did we have this week?"
  teams-cdr export --days 30
  teams-cdr calls --offline
`

// createStatusCommand creates the status subcommand
func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check credentials and permissions",
		Long:  "Show which services are configured and verify that the Graph token grants CallRecords.Read.All",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			printStatus(cmd, cfg)

			if cfg.GraphConfigured() {
				auth := graph.NewClientCredentialsAuth(cfg.Graph)
				token, err := auth.GetAccessToken(cmd.Context())
				if err != nil {
					cmd.Printf("❌ Graph token: %v\n", err)
				} else if err := graph.ValidateRoles(token, []string{graph.RoleCallRecordsRead}); err != nil {
					cmd.Printf("❌ Graph permissions: %v\n", err)
				} else {
					cmd.Printf("✅ Graph permissions: %s granted\n", graph.RoleCallRecordsRead)
				}
			}

			if cfg.Watchlist.File != "" {
				wl, err := openWatchlist(cfg, false)
				if err != nil {
					cmd.Printf("❌ Watchlist: %v\n", err)
				} else {
					stats := wl.Stats()
					cmd.Printf("Watchlist entries: %d (%d emails, %d object ids, %d skipped)\n",
						stats.TotalEntries, stats.Emails, stats.ObjectIDs, stats.Skipped)
					wl.Close()
				}
			}

			if _, err := os.Stat(cfg.Store.Path); err == nil {
				return printStoreStatus(cmd, cfg.Store.Path)
			}
			return nil
		},
	}
}

func printStoreStatus(cmd *cobra.Command, path string) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.Health(ctx); err != nil {
		cmd.Printf("❌ Local store: %s: %v\n", path, err)
		return nil
	}
	count, err := st.Count(ctx)
	if err != nil {
		return err
	}
	latest, err := st.LatestStart(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("Local store: %s (%d call records)\n", path, count)
	if latest != nil {
		cmd.Printf("Latest stored call: %s\n", cdr.FormatTimestamp(*latest))
	}
	return nil
}

func printStatus(cmd *cobra.Command, cfg *config.Config) {
	if cfg.GraphConfigured() {
		cmd.Printf("✅ Microsoft Graph API: Configured\n")
	} else {
		cmd.Printf("❌ Microsoft Graph API: Not configured\n")
	}

	if cfg.LLMConfigured() {
		provider := "OpenAI"
		if cfg.AzureOpenAIConfigured() {
			provider = "Azure OpenAI"
		}
		cmd.Printf("✅ LLM Provider: %s (%s)\n", provider, cfg.OpenAI.Model)
	} else {
		cmd.Printf("❌ LLM Provider: Not configured\n")
	}

	if cfg.Watchlist.File != "" {
		cmd.Printf("Watchlist: %s\n", cfg.Watchlist.File)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := "config.yaml"
	if configFile != "" {
		configPath = configFile
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w\nRun 'teams-cdr config' to see the configuration structure", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// setup loads configuration and initializes logging
func setup() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.InitializeLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// openSource returns the Graph client, or the local store when offline. The
// returned close function releases the store.
func openSource(cfg *config.Config, offline bool) (cdr.Source, func(), error) {
	if offline {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}

	client, err := graph.NewClientFromConfig(cfg)
	if errors.Is(err, graph.ErrNotConfigured) {
		return nil, nil, errors.New(assistant.GraphNotConfiguredMessage)
	}
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}

func openWatchlist(cfg *config.Config, watch bool) (watchlist.Watchlist, error) {
	return watchlist.New(watchlist.Config{
		FilePath:  cfg.Watchlist.File,
		WatchFile: watch && cfg.Watchlist.Watch,
	})
}

// newAssistant wires the assistant. Missing Graph or model configuration
// leaves the matching dependency nil so the assistant can explain it.
func newAssistant(cfg *config.Config, offline, watch bool) (*assistant.Assistant, func(), error) {
	var service *cdr.Service
	closeSource := func() {}
	if offline || cfg.GraphConfigured() {
		source, closeFn, err := openSource(cfg, offline)
		if err != nil {
			return nil, nil, err
		}
		service = cdr.NewService(source)
		closeSource = closeFn
	}

	var chat assistant.Chatter
	if client, err := llm.NewClientFromConfig(cfg); err == nil {
		chat = client
	} else if !errors.Is(err, llm.ErrNotConfigured) {
		closeSource()
		return nil, nil, err
	}

	wl, err := openWatchlist(cfg, watch)
	if err != nil {
		closeSource()
		return nil, nil, err
	}

	cleanup := func() {
		wl.Close()
		closeSource()
	}
	return assistant.New(service, chat, wl, assistant.OptionsFromConfig(cfg)), cleanup, nil
}

func main() {
	rootCmd := buildRootCommand()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
