// Package main is the Semdex CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/semdex/internal/cli"
	"github.com/hyperjump/semdex/internal/config"
	"github.com/hyperjump/semdex/internal/coordinator"
	"github.com/hyperjump/semdex/internal/index"
	"github.com/hyperjump/semdex/internal/inference"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/notes"
	"github.com/hyperjump/semdex/internal/notes/extract"
	"github.com/hyperjump/semdex/internal/search"
	"github.com/hyperjump/semdex/internal/store"
	"github.com/hyperjump/semdex/internal/store/cache"
	"github.com/hyperjump/semdex/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/semdex/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "setup":
		runSetup()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "watch":
		runWatch()
	case "stats":
		runStats()
	case "reset":
		runReset()
	case "version", "--version", "-v":
		fmt.Printf("semdex version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: semdex <command> [flags]

Commands:
  setup    Download model assets and start the inference unit
  index    Run a full indexing pass (-type title|heading|content|all)
  search   Search the index (-k, -min-score, -exclude, -output)
  watch    Watch the corpus and keep the index current
  stats    Show embedding database statistics
  reset    Delete the embedding database (-assets also removes the model)
  version  Print version`)
}

// components holds the wired engine. One inference unit per process: the
// client is constructed here once and handed to collaborators by reference.
type components struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    *store.Store
	Cache    *cache.Cache
	Client   *inference.Client
	Service  *inference.Service
	Repo     *notes.FSRepository
	Engine   *index.Engine
	Searcher *search.Searcher
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	st := store.New(cfg.Storage.DatabasePath, store.WithLogger(logger))
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("load embedding database: %w", err)
	}

	embCache, err := cache.New(cfg.Storage.EmbeddingCachePath, cfg.Model.Name, cfg.Model.CacheSize)
	if err != nil {
		// The cache is an optimization; run without it rather than failing.
		logger.Warn("embedding cache unavailable", zap.Error(err))
		embCache = nil
	}

	assets := inference.NewAssetSet(cfg.Model.Dir, cfg.Model.BaseURL)
	factory := func() (inference.Backend, error) {
		return inference.NewONNXBackend(assets.ModelPath(), cfg.Model.Dimensions, cfg.Model.MaxTokens)
	}
	client := inference.NewClient(factory, inference.WithClientLogger(logger))
	svcOpts := []inference.ServiceOption{inference.WithServiceLogger(logger)}
	if embCache != nil {
		svcOpts = append(svcOpts, inference.WithEmbeddingCache(embCache))
	}
	service := inference.NewService(client, assets, svcOpts...)

	repo := notes.NewFSRepository(
		cfg.Corpus.Roots,
		cfg.Corpus.Extensions,
		cfg.Corpus.RecursiveOrDefault(),
		extract.NewExtractor(),
		notes.WithFSLogger(logger),
	)
	enabled := models.Enabled{
		Titles:   cfg.Collections.TitlesEnabled(),
		Headings: cfg.Collections.HeadingsEnabled(),
		Content:  cfg.Collections.ContentEnabled(),
	}
	engine := index.NewEngine(st, repo, service, enabled,
		index.WithLogger(logger),
		index.WithNotifier(&logNotifier{logger: logger}),
	)
	searcher := search.New(st, service, enabled, search.WithLogger(logger))

	return &components{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Cache:    embCache,
		Client:   client,
		Service:  service,
		Repo:     repo,
		Engine:   engine,
		Searcher: searcher,
	}, nil
}

func (c *components) Close() {
	c.Client.Close()
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
}

// logNotifier reports indexing progress through the logger.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) IndexingStarted(c models.Collection, total int) {
	n.logger.Info("indexing started", zap.String("collection", string(c)), zap.Int("total", total))
}

func (n *logNotifier) IndexingProgress(c models.Collection, progress, total int) {
	n.logger.Info("indexing progress", zap.String("collection", string(c)), zap.Int("progress", progress), zap.Int("total", total))
}

func (n *logNotifier) IndexingCompleted(c models.Collection) {
	n.logger.Info("indexing completed", zap.String("collection", string(c)))
}

func (n *logNotifier) StatsChanged() {}

// setup loads config, builds the logger, and wires components; shared by all
// commands.
func setup(configPath string, debugFlag bool) *components {
	cfg, resolvedPath, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug || debugFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolvedPath))
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return components
}

// ensureReady brings the inference service up, downloading assets only when
// allowDownload is set.
func ensureReady(ctx context.Context, c *components, allowDownload bool) error {
	if !allowDownload && len(inference.NewAssetSet(c.Config.Model.Dir, c.Config.Model.BaseURL).Missing()) > 0 {
		return fmt.Errorf("model assets missing; run \"semdex setup\" first")
	}
	return c.Service.Setup(ctx, downloadProgress)
}

func downloadProgress(name string, done, total int64) {
	if total > 0 {
		fmt.Printf("\r%s: %s / %s (%d%%)", name, utils.HumanBytes(done), utils.HumanBytes(total), done*100/total)
	} else {
		fmt.Printf("\r%s: %s", name, utils.HumanBytes(done))
	}
	if done == total {
		fmt.Println()
	}
}

func runSetup() {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	c := setup(*configPath, *debug)
	defer c.Close()
	defer c.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Service.Setup(ctx, downloadProgress); err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		os.Exit(1)
	}
	status, _ := c.Service.Status()
	fmt.Printf("Inference service: %s\n", status)
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	typeFlag := fs.String("type", "all", "collection to index: title, heading, content, or all")
	_ = fs.Parse(os.Args[2:])

	var targets []models.Collection
	switch strings.ToLower(*typeFlag) {
	case "title", "titles":
		targets = []models.Collection{models.CollectionTitles}
	case "heading", "headings":
		targets = []models.Collection{models.CollectionHeadings}
	case "content":
		targets = []models.Collection{models.CollectionContent}
	case "all":
		targets = models.Collections
	default:
		fmt.Fprintf(os.Stderr, "Unknown type %q\n", *typeFlag)
		os.Exit(1)
	}

	c := setup(*configPath, *debug)
	defer c.Close()
	defer c.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		c.Engine.Cancel()
	}()

	if err := ensureReady(ctx, c, false); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, col := range targets {
		if err := c.Engine.IndexCollection(ctx, col); err != nil {
			fmt.Fprintf(os.Stderr, "Indexing %s failed: %v\n", col, err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStats(os.Stdout, c.Store.Stats(), cli.OutputText); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	topK := fs.Int("k", 0, "maximum results (0 = config default)")
	minScore := fs.Float64("min-score", -1, "minimum similarity score (-1 = config default)")
	exclude := fs.String("exclude", "", "path to exclude from results")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	c := setup(*configPath, *debug)
	defer c.Close()
	defer c.Logger.Sync()

	if len(query) < c.Config.Search.MinTextLength {
		fmt.Fprintf(os.Stderr, "Query too short (minimum %d characters)\n", c.Config.Search.MinTextLength)
		os.Exit(1)
	}

	opts := models.SearchOptions{
		TopK:        c.Config.Search.TopK,
		MinScore:    c.Config.Search.MinScore,
		ExcludePath: *exclude,
	}
	if *topK > 0 {
		opts.TopK = *topK
	}
	if *minScore >= 0 {
		opts.MinScore = *minScore
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureReady(ctx, c, false); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	results, err := c.Searcher.ByText(ctx, query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, results, cli.OutputFormat(*output)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	c := setup(*configPath, *debug)
	defer c.Close()
	defer c.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureReady(ctx, c, false); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	coord := coordinator.New(c.Repo, c.Engine, c.Store,
		coordinator.WithLogger(c.Logger),
		coordinator.WithDebounce(time.Duration(c.Config.Indexing.DebounceSeconds)*time.Second),
		coordinator.WithAutoIndex(c.Config.Indexing.AutoIndexOnSaveOrDefault()),
	)
	defer coord.Stop()

	if err := c.Repo.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start watching: %v\n", err)
		os.Exit(1)
	}
	defer c.Repo.Stop()

	if err := coord.StartupPass(ctx); err != nil {
		c.Logger.Warn("startup consistency pass failed", zap.Error(err))
	}

	c.Logger.Info("watching corpus", zap.Strings("roots", c.Config.Corpus.Roots))
	<-ctx.Done()
	c.Engine.Cancel()
	c.Logger.Info("shutting down")
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	c := setup(*configPath, false)
	defer c.Close()
	defer c.Logger.Sync()

	if err := cli.WriteStats(os.Stdout, c.Store.Stats(), cli.OutputFormat(*output)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	removeAssets := fs.Bool("assets", false, "also remove downloaded model assets")
	purgeCache := fs.Bool("cache", false, "also purge the embedding cache")
	_ = fs.Parse(os.Args[2:])

	c := setup(*configPath, false)
	defer c.Close()
	defer c.Logger.Sync()

	if err := c.Store.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(1)
	}
	if *purgeCache && c.Cache != nil {
		if err := c.Cache.Purge(); err != nil {
			fmt.Fprintf(os.Stderr, "Cache purge failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := c.Service.Reset(*removeAssets); err != nil {
		fmt.Fprintf(os.Stderr, "Service reset failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Embedding database reset")
}
