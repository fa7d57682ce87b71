// Binary scalpbot runs the intraday scalping fleet against Alpaca or the
// in-process paper venue.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/config"
	"scalpbot-go/internal/feed"
	"scalpbot-go/internal/journal"
	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/paper"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/strategy"
	"scalpbot-go/internal/trader"
	"scalpbot-go/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	lot := flag.Float64("lot", 0, "override the dollar notional per entry")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := util.NewLogger("info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	if *lot > 0 {
		cfg.Trading.Lot = *lot
	}
	symbols := cfg.Trading.Symbols
	if args := flag.Args(); len(args) > 0 {
		symbols = args
	}

	log := util.NewLogger(cfg.App.LogLevel)
	if cfg.App.LogFile != "" {
		fileLog, closer, err := util.NewFileLogger(cfg.App.LogLevel, cfg.App.LogFile)
		if err != nil {
			log.Fatal().Err(err).Msg("open log file")
		}
		defer closer.Close()
		log = fileLog
	}

	if len(symbols) == 0 {
		log.Fatal().Msg("no symbols configured")
	}
	if cfg.Trading.Lot <= 0 {
		log.Fatal().Msg("lot must be positive")
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	var recorder journal.Recorder = journal.Nop{}
	if cfg.Journal.Path != "" {
		writer, err := journal.NewWriter(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("open journal")
		}
		defer writer.Close()
		recorder = writer
	}

	var client broker.Client
	var stream feed.Stream
	if cfg.Broker.Mode == "paper" {
		venue := paper.NewVenue(symbols, 100_000, log)
		client = venue
		stream = venue
		log.Info().Msg("running on the in-process paper venue")
	} else {
		key := os.Getenv("APCA_API_KEY_ID")
		secret := os.Getenv("APCA_API_SECRET_KEY")
		if key == "" || secret == "" {
			log.Fatal().Msg("APCA_API_KEY_ID and APCA_API_SECRET_KEY must be set")
		}
		client = broker.NewAlpaca(key, secret, log,
			broker.WithBaseURL(cfg.Broker.BaseURL),
			broker.WithDataURL(cfg.Broker.DataURL))
		stream = feed.NewAlpacaStream(key, secret, symbols, log,
			feed.WithDataStreamURL(cfg.Broker.StreamURL))
	}

	limits := risk.Limits{
		MaxEntryNotional: cfg.Trading.MaxEntryNotional,
		MaxShares:        cfg.Trading.MaxShares,
	}
	strat := strategy.Build(cfg.Strategy.Mode, strategy.Params{SMAPeriod: cfg.Strategy.Params.SMAPeriod})

	traders := make([]*trader.Trader, 0, len(symbols))
	for _, symbol := range symbols {
		traders = append(traders, trader.New(trader.Config{
			Symbol:         symbol,
			Lot:            cfg.Trading.Lot,
			MinBars:        cfg.Trading.MinBars,
			CancelBuyAfter: time.Duration(cfg.Trading.CancelBuyAfterSecs) * time.Second,
			CloseMargin:    time.Duration(cfg.Trading.LiquidateBeforeCloseSecs) * time.Second,
			Limits:         limits,
		}, client, strat, recorder, log))
	}

	var fleetOpts []trader.FleetOption
	if cfg.Trading.CheckupIntervalSecs > 0 {
		fleetOpts = append(fleetOpts, trader.WithCheckupInterval(time.Duration(cfg.Trading.CheckupIntervalSecs)*time.Second))
	}
	fleet := trader.NewFleet(client, stream, traders, log, fleetOpts...)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Strs("symbols", symbols).Str("strategy", strat.Name()).Float64("lot", cfg.Trading.Lot).Msg("scalp fleet started")
	if err := fleet.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("fleet stopped")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
