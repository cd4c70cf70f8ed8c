// deskflow is the customer-support conversation engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/attachment"
	"github.com/luminara-labs/deskflow/cache"
	"github.com/luminara-labs/deskflow/config"
	"github.com/luminara-labs/deskflow/escalation"
	"github.com/luminara-labs/deskflow/gateway"
	"github.com/luminara-labs/deskflow/logging"
	"github.com/luminara-labs/deskflow/memory"
	"github.com/luminara-labs/deskflow/orchestrator"
	"github.com/luminara-labs/deskflow/responder"
	"github.com/luminara-labs/deskflow/retrieval"
	"github.com/luminara-labs/deskflow/retrieval/chromem"
	"github.com/luminara-labs/deskflow/retrieval/embedder/mock"
	"github.com/luminara-labs/deskflow/sessionstore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deskflow",
	Short: "deskflow - customer support conversation engine",
	Long: `deskflow orchestrates customer-support conversations: per-turn
memory recall, knowledge-base retrieval, attachment ingestion, and
human escalation, with durable session history.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "deskflow.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := sessionstore.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	factStore, err := memory.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	defer factStore.Close()

	retriever, respCache, err := buildRetriever(cfg, logger)
	if err != nil {
		return err
	}
	defer respCache.Close()

	client := anthropic.NewClient() // reads ANTHROPIC_API_KEY

	orch := orchestrator.New(orchestrator.Deps{
		Store:       store,
		Memory:      factStore,
		Attachments: attachment.NewProcessor(attachment.Config{MaxBytes: cfg.Attachments.MaxBytes}),
		Retriever:   retriever,
		Policy:      escalation.NewPolicy(cfg.Escalation.Policy()),
		Sink:        escalation.NewLogSink(logger),
		Responder:   responder.NewAnthropicResponder(&client, cfg.Responder, logger),
		Logger:      logger,
	}, orchestrator.Config{
		HistoryWindow:     cfg.Orchestrator.HistoryWindow,
		AttachmentTimeout: cfg.Orchestrator.AttachmentTimeout.Std(),
		MemoryTimeout:     cfg.Orchestrator.MemoryTimeout.Std(),
		RetrievalTimeout:  cfg.Orchestrator.RetrievalTimeout.Std(),
		ResponderTimeout:  cfg.Orchestrator.ResponderTimeout.Std(),
		SinkTimeout:       cfg.Orchestrator.SinkTimeout.Std(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := gateway.New(orch, gateway.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, logger)
	return server.Start(ctx)
}

// buildRetriever wires the vector index, embedder, and response cache.
func buildRetriever(cfg *config.Config, logger *zap.Logger) (*retrieval.Retriever, *cache.RistrettoCache, error) {
	var index *chromem.Index
	var err error
	if cfg.Storage.VectorDir != "" {
		index, err = chromem.NewPersistent(cfg.Storage.VectorDir)
	} else {
		index, err = chromem.New()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open vector index: %w", err)
	}

	respCache, err := cache.NewRistrettoCache(cache.Config{MaxEntries: cfg.Retrieval.CacheMaxEntries})
	if err != nil {
		return nil, nil, fmt.Errorf("build response cache: %w", err)
	}

	retriever := retrieval.New(index, mock.New(), respCache, retrieval.Config{
		TopK:     cfg.Retrieval.TopK,
		CacheTTL: cfg.Retrieval.CacheTTL.Std(),
	}, logger)
	return retriever, respCache, nil
}
