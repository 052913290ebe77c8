package commands

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/AITrekker/Jarvis/ai/provider"
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/sym"
)

// SearchCmd finds windows whose summaries are closest to a query
var SearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: sym.Prefix("search") + "Semantic search over window summaries",
	Long: sym.SE + ` se - Semantic search over window summaries

The query is embedded with the configured embedding model and compared to
every stored window by cosine similarity. When local inference is disabled
or unreachable, or with --text, a plain substring search over summaries and
transcripts is used instead.

Examples:
  jarvis search "launch date"
  jarvis search "budget review" --top-k 10 --min-score 0.4
  jarvis search standup --text --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var (
	searchTopK     int
	searchMinScore float64
	searchText     bool
	searchFormat   string
)

func init() {
	SearchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "Number of results (default search.top_k)")
	SearchCmd.Flags().Float64Var(&searchMinScore, "min-score", -1, "Drop hits below this similarity (default search.min_score)")
	SearchCmd.Flags().BoolVar(&searchText, "text", false, "Substring search instead of embeddings")
	SearchCmd.Flags().StringVar(&searchFormat, "format", "table", "Output format: table, json, yaml")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	query := strings.Join(args, " ")
	topK := cfg.Search.TopK
	if searchTopK > 0 {
		topK = searchTopK
	}
	minScore := cfg.Search.MinScore
	if searchMinScore >= 0 {
		minScore = searchMinScore
	}

	ctx := cmd.Context()
	results := storage.NewResultStore(database, cfg.Pulse.PruneFragmentLog, logger.Logger)

	if !searchText {
		vec, err := embedQuery(ctx, cfg, query)
		if err == nil {
			hits, err := results.QueryBySimilarity(ctx, vec, topK)
			if err != nil {
				return err
			}
			return printResults(scoredViews(hits, minScore), searchFormat)
		}
		logger.Logger.Debugw("Embedding query failed, using text search", logger.FieldError, err)
		if searchFormat == "table" {
			pterm.Warning.Printf("Semantic search unavailable (%v), falling back to text search\n", err)
		}
	}

	matches, err := results.SearchText(ctx, query, topK)
	if err != nil {
		return err
	}
	return printResults(viewsOf(matches), searchFormat)
}

func embedQuery(ctx context.Context, cfg *am.Config, query string) ([]float32, error) {
	embedder, err := provider.NewLocalBackends(cfg)
	if err != nil {
		return nil, err
	}
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if d := cfg.Embeddings.Dimensions; d > 0 && len(vec) != d {
		return nil, errors.Newf("query embedding has %d dimensions, want %d", len(vec), d)
	}
	return vec, nil
}
