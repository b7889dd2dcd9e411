package svc

import (
	"log"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "skim-api/internal/cache"
	"skim-api/internal/config"
	"skim-api/internal/model"
	"skim-api/internal/repo"
	"skim-api/pkg/confkit"
	extractpkg "skim-api/pkg/extract"
	"skim-api/pkg/journal"
	llmpkg "skim-api/pkg/llm"
	summarizepkg "skim-api/pkg/summarize"
)

type ServiceContext struct {
	Config config.Config

	LLMConfig       *llmpkg.Config
	LLMClient       *llmpkg.Client
	ExtractConfig   *extractpkg.Config
	Extractor       *extractpkg.Client
	SummarizeConfig *summarizepkg.Config
	Summarizer      summarizepkg.Summarizer
	PromptDigest    string

	DBConn sqlx.SqlConn
	Redis  *redis.Redis
	Cache  cache.Cache
	TTL    cachekeys.TTLSet
	Repos  *repo.Set

	PageStore *cachekeys.PageStore

	// Journal receives call records when Postgres is not configured.
	Journal *journal.Writer
}

func NewServiceContext(c config.Config, mainConfigPath string) *ServiceContext {
	svc := &ServiceContext{
		Config: c,
		TTL:    cachekeys.NewTTLSet(c.TTL),
	}

	baseDir := confkit.BaseDir(mainConfigPath)

	// Load LLM config if specified. config.Load hydrates sections already;
	// the File fallback covers hand-constructed configs.
	llmCfg := c.LLM.Value
	if llmCfg == nil && c.LLM.File != "" {
		loaded, err := llmpkg.LoadConfig(confkit.ResolvePath(baseDir, c.LLM.File))
		if err != nil {
			log.Fatalf("failed to load llm config: %v", err)
		}
		llmCfg = loaded
	}
	if llmCfg != nil {
		// Apply test environment defaults: use low-cost model for good quality
		if c.IsTestEnv() {
			llmCfg.Model = "google/gemini-2.5-flash-lite"
		}
		client, err := llmpkg.NewClient(llmCfg)
		if err != nil {
			log.Fatalf("failed to initialise llm client: %v", err)
		}
		svc.LLMConfig = llmCfg
		svc.LLMClient = client
	}

	// Load Extract config if specified
	extractCfg := c.Extract.Value
	if extractCfg == nil && c.Extract.File != "" {
		loaded, err := extractpkg.LoadConfig(confkit.ResolvePath(baseDir, c.Extract.File))
		if err != nil {
			log.Fatalf("failed to load extract config: %v", err)
		}
		extractCfg = loaded
	}
	if extractCfg != nil {
		svc.ExtractConfig = extractCfg
		svc.Extractor = extractCfg.NewClientFromConfig()
	}

	// Load Summarize config if specified, falling back to built-in defaults
	summarizeCfg := c.Summarize.Value
	if summarizeCfg == nil && c.Summarize.File != "" {
		loaded, err := summarizepkg.LoadConfig(confkit.ResolvePath(baseDir, c.Summarize.File))
		if err != nil {
			log.Fatalf("failed to load summarize config: %v", err)
		}
		summarizeCfg = loaded
	}
	if summarizeCfg == nil {
		summarizeCfg = summarizepkg.DefaultConfig()
	}
	svc.SummarizeConfig = summarizeCfg

	// Redis-backed caches when a host is configured
	if c.Redis.Host != "" {
		rds, err := redis.NewRedis(c.Redis)
		if err != nil {
			log.Fatalf("failed to initialise redis: %v", err)
		}
		svc.Redis = rds
		svc.Cache = cache.NewNode(rds, syncx.NewSingleFlight(), cache.NewStat(cachekeys.Namespace), model.ErrNotFound)
		svc.PageStore = cachekeys.NewPageStore(rds, cachekeys.PageTTL(svc.TTL))
	}

	// Persistence only when a DSN is provided; otherwise call records land
	// in the on-disk journal.
	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		if db, err := conn.RawDB(); err == nil {
			db.SetMaxOpenConns(c.Postgres.MaxOpen)
			db.SetMaxIdleConns(c.Postgres.MaxIdle)
		}
		repos, err := repo.New(repo.Dependencies{
			DBConn: conn,
			Cache:  svc.Cache,
			TTL:    svc.TTL,
		})
		if err != nil {
			log.Fatalf("failed to initialise repositories: %v", err)
		}
		svc.DBConn = conn
		svc.Repos = repos
	} else {
		svc.Journal = journal.NewWriter(c.JournalDir)
	}

	if svc.LLMClient != nil {
		opts := []summarizepkg.Option{}
		if svc.Repos != nil {
			opts = append(opts,
				summarizepkg.WithCallRecorder(svc.Repos.Calls),
				summarizepkg.WithSummaryStore(svc.Repos.Summaries),
			)
		} else if svc.Journal != nil {
			opts = append(opts, summarizepkg.WithCallRecorder(svc.Journal))
		}
		if svc.PageStore != nil {
			opts = append(opts, summarizepkg.WithPageCache(svc.PageStore))
		}

		var extractor summarizepkg.Extractor
		if svc.Extractor != nil {
			extractor = svc.Extractor
		}
		summarizer, err := summarizepkg.NewSummarizer(summarizeCfg, svc.LLMClient, extractor, opts...)
		if err != nil {
			log.Fatalf("failed to initialise summarizer: %v", err)
		}
		svc.Summarizer = summarizer
		svc.PromptDigest = summarizer.Prompt().Digest()
	}

	return svc
}
