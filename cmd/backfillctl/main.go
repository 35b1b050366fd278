// Command backfillctl drives DC's historical backfill from the command
// line, independent of the scheduler's signal-tick cadence (spec §4.8).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/fxsignal/internal/collector"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/database"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/upstream"
	"github.com/aristath/fxsignal/internal/utils"
)

var (
	pair      string
	timeframe string
	days      int
)

var rootCmd = &cobra.Command{
	Use:   "backfillctl",
	Short: "Backfill historical candles for an instrument into the candle store",
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch and upsert N days of historical candles",
	RunE:  runBackfill,
}

func runBackfill(cmd *cobra.Command, args []string) error {
	pairs := utils.ParseCSV(pair)
	if len(pairs) == 0 {
		return fmt.Errorf("--pair is required")
	}
	tf := domain.Timeframe(timeframe)
	if !tf.Valid() {
		return fmt.Errorf("unknown timeframe %q", timeframe)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Str("cmd", "backfillctl").Logger()
	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		log = log.Level(level)
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "candles.db"),
		Profile: database.ProfileStandard,
		Name:    "candles",
	})
	if err != nil {
		return fmt.Errorf("open candle store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate candle store: %w", err)
	}

	candleStore := store.NewCandleStore(db.Conn(), log)
	fetcher := upstream.NewFetcher(upstream.Config{
		BaseURL:          cfg.UpstreamURL,
		APIKey:           cfg.UpstreamAPIKey,
		DailyTokenBudget: 800,
	}, log)
	dc := collector.New(candleStore, fetcher, log)

	for _, p := range pairs {
		inst := domain.Instrument{Pair: strings.ToUpper(p), Timeframe: tf}
		result, err := dc.Backfill(cmd.Context(), inst, days)
		if err != nil {
			return fmt.Errorf("backfill %s: %w", inst.Key(), err)
		}

		log.Info().
			Str("instrument", inst.Key()).
			Int("inserted", result.Inserted).
			Int("skipped", result.Skipped).
			Msg("backfill complete")
	}
	return nil
}

func main() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().StringVarP(&pair, "pair", "p", "", "Currency pair(s), comma-separated, e.g. EUR/USD,GBP/USD")
	backfillCmd.Flags().StringVarP(&timeframe, "timeframe", "t", "1h", "Timeframe, e.g. 15min, 1h, 1d, 1w")
	backfillCmd.Flags().IntVarP(&days, "days", "d", 30, "Number of days of history to backfill")

	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
