package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kqlbridge/internal/api/elasticsearch"
	"kqlbridge/internal/api/graphql"
	"kqlbridge/internal/bridge"
	"kqlbridge/internal/config"
	"kqlbridge/internal/journal"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/kusto"
	"kqlbridge/internal/logging"
	"kqlbridge/internal/metrics"
	"kqlbridge/internal/schema"
)

var (
	index       string
	body        string
	schemaPath  string
	journalPath string
	tail        int
	retain      int
)

func main() {
	var rootCmd = &cobra.Command{Use: "kqlbridge", SilenceUsage: true}

	var startCmd = &cobra.Command{
		Use:   "start",
		Short: "Serve the Elasticsearch API from Kusto",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd)
		},
	}
	config.RegisterFlags(startCmd.Flags())

	var translateCmd = &cobra.Command{
		Use:   "translate",
		Short: "Print the statement a search body compiles to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd)
		},
	}
	config.RegisterFlags(translateCmd.Flags())
	translateCmd.Flags().StringVar(&index, "index", "", "Index (table or database:table)")
	translateCmd.Flags().StringVar(&body, "body", "", "Search body, or @file to read it from a file")
	translateCmd.Flags().StringVar(&schemaPath, "schema", "", "JSON file of field types; the cluster is asked when empty")
	_ = translateCmd.MarkFlagRequired("index")
	_ = translateCmd.MarkFlagRequired("body")

	var journalCmd = &cobra.Command{
		Use:   "journal",
		Short: "Dump the query journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpJournal()
		},
	}
	journalCmd.Flags().StringVarP(&journalPath, "path", "p", "journal", "Journal directory")
	journalCmd.Flags().IntVarP(&tail, "tail", "n", 0, "Only print the last n entries")
	journalCmd.Flags().IntVar(&retain, "retain", 0, "Drop all but the newest n entries before dumping")

	rootCmd.AddCommand(startCmd, translateCmd, journalCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	boot := logging.Bootstrap()
	cfg, err := config.Load(cmd.Flags(), boot)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env, boot)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (*kusto.Client, error) {
	return kusto.NewClient(kusto.Config{
		ClusterURL:   cfg.Kusto.ClusterURL,
		TenantID:     cfg.Kusto.TenantID,
		ClientID:     cfg.Kusto.ClientID,
		ClientSecret: cfg.Kusto.ClientSecret,
		Timeout:      cfg.Kusto.Timeout,
	}, logger)
}

func runServer(cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Debug("configuration", zap.String("config", cfg.Dump()))

	metrics.RegisterDefault(logger)

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}
	translator := bridge.NewTranslator(schema.NewKustoFetcher(exec, logger), cfg.Kusto.Database,
		kql.Options{MaxHits: cfg.Translate.MaxHits}, logger)

	var j *journal.Journal
	if cfg.Journal.Enabled {
		if j, err = journal.Open(cfg.Journal.Path, cfg.Journal.Sync); err != nil {
			return err
		}
		defer j.Close()
		dropped, err := j.Retain(cfg.Journal.Retain)
		if err != nil {
			return err
		}
		if dropped > 0 {
			logger.Info("journal trimmed", zap.Int("dropped", dropped), zap.Int("retain", cfg.Journal.Retain))
		}
	}
	b := bridge.New(translator, exec, j, logger)

	var passthrough *elasticsearch.Passthrough
	if cfg.Metadata.ElasticsearchURL != "" {
		if passthrough, err = elasticsearch.NewPassthrough(cfg.Metadata.ElasticsearchURL, logger); err != nil {
			return err
		}
	}

	gqlService, err := graphql.NewService(b)
	if err != nil {
		return err
	}
	esService := elasticsearch.NewService(b, passthrough, logger)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/graphql", gqlService.Handler())
	esService.RegisterHandlers(r)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: r}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kqlbridge listening",
			zap.Int("port", cfg.HTTPPort),
			zap.String("cluster", cfg.Kusto.ClusterURL),
			zap.String("database", cfg.Kusto.Database))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runTranslate(cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var fetcher schema.Fetcher
	if schemaPath != "" {
		if fetcher, err = schema.LoadStaticFetcher(schemaPath); err != nil {
			return err
		}
	} else {
		exec, err := newExecutor(cfg, logger)
		if err != nil {
			return err
		}
		fetcher = schema.NewKustoFetcher(exec, logger)
	}

	text := body
	if strings.HasPrefix(body, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(body, "@"))
		if err != nil {
			return err
		}
		text = string(data)
	}

	header, _ := json.Marshal(map[string]string{"index": index})
	translator := bridge.NewTranslator(fetcher, cfg.Kusto.Database, kql.Options{MaxHits: cfg.Translate.MaxHits}, logger)
	qd, err := translator.Translate(cmd.Context(), header, []byte(text))
	if err != nil {
		return err
	}
	fmt.Println(qd.Query)
	return nil
}

func dumpJournal() error {
	j, err := journal.Open(journalPath, false)
	if err != nil {
		return err
	}
	defer j.Close()
	if _, err := j.Retain(retain); err != nil {
		return err
	}

	var entries []journal.Entry
	if err := j.Replay(func(_ uint64, e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
