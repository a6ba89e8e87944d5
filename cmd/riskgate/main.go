// riskgate is the admission-engine CLI: a long-running serve mode with the
// diagnostics server, and a one-shot evaluate mode that runs a single signal
// through the gate chain from JSON files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/gatekeeper"
	httpiface "github.com/riskgate/riskgate/internal/interfaces/http"
	"github.com/riskgate/riskgate/internal/persistence"
	"github.com/riskgate/riskgate/internal/portfolio"
)

var (
	version = "dev"

	configPath string
	listenAddr string
	journalDSN string

	signalPath    string
	marketPath    string
	portfolioPath string
	mlePath       string
	clusterID     string
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "riskgate",
		Short: "Risk-admission engine for crypto derivatives",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the diagnostics server",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&listenAddr, "listen", ":8090", "diagnostics listen address")
	serve.Flags().StringVar(&journalDSN, "journal-dsn", "", "postgres DSN for the decision journal (disabled when empty)")

	evaluate := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one signal through the admission chain and print the decision",
		RunE:  runEvaluate,
	}
	fs := evaluate.Flags()
	fs.StringVar(&signalPath, "signal", "", "engine signal JSON")
	fs.StringVar(&marketPath, "market", "", "market state JSON")
	fs.StringVar(&portfolioPath, "portfolio", "", "portfolio state JSON")
	fs.StringVar(&mlePath, "mle", "", "MLE output JSON (optional)")
	fs.StringVar(&clusterID, "cluster", "default", "candidate cluster id")
	fs.StringVar(&journalDSN, "journal-dsn", "", "postgres DSN for the decision journal (disabled when empty)")
	markRequired(fs, "signal", "market", "portfolio")

	root.AddCommand(serve, evaluate, &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("riskgate", version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func markRequired(fs *pflag.FlagSet, names ...string) {
	for _, n := range names {
		if err := cobra.MarkFlagRequired(fs, n); err != nil {
			panic(err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runServe(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := &domain.LogicalClock{}
	initial := &domain.PortfolioState{
		SchemaVersion: "v1",
		PortfolioID:   1,
		TsUTCMs:       time.Now().UnixMilli(),
		Equity:        domain.EquityBlock{USD: 10_000, PeakUSD: 10_000},
		States:        domain.StateBlock{DRP: domain.DRPNormal, TradingMode: domain.ModeShadow},
	}
	nowMs := func() int64 { return time.Now().UnixMilli() }
	writer := portfolio.NewWriter(initial, clock, &cfg.Reservation, log.Logger)
	coord := portfolio.NewCoordinator(&cfg.Reservation, writer, &reservationEvents{}, log.Logger, nowMs)
	sweeper := portfolio.NewSweeper(coord, log.Logger)
	registry := domain.NewSnapshotRegistry(clock, cfg.Snapshot.MaxAgeMs)

	server, metrics := httpiface.NewServer(writer, log.Logger)
	coord.SetEventHook(server.ReservationEventHook())

	if journalDSN != "" {
		journal, err := persistence.Open(ctx, journalDSN, 1024, log.Logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.SetDropHook(metrics.JournalDropped.Inc)
		server.AttachJournal(journal)
	}

	gk := gatekeeper.New(cfg, nil, coord, sweeper, &drpEscalations{}, log.Logger)
	gk.SetObserver(server.Observer())
	server.AttachEngine(gk, coord, registry, nowMs)

	// Reservation sweep loop.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Reservation.HeartbeatPeriodMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coord.SweepExpired()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(listenAddr) }()

	log.Info().Str("version", version).Str("config_version", cfg.Version).Msg("riskgate serving")
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func runEvaluate(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var sig domain.EngineSignal
	if err := readJSON(signalPath, &sig); err != nil {
		return err
	}
	if err := domain.ValidateSignal(&sig); err != nil {
		return err
	}
	var market domain.MarketState
	if err := readJSON(marketPath, &market); err != nil {
		return err
	}
	if err := domain.ValidateMarketState(&market); err != nil {
		return err
	}
	var pstate domain.PortfolioState
	if err := readJSON(portfolioPath, &pstate); err != nil {
		return err
	}
	if err := domain.ValidatePortfolioState(&pstate); err != nil {
		return err
	}
	var mle *domain.MLEOutput
	if mlePath != "" {
		mle = &domain.MLEOutput{}
		if err := readJSON(mlePath, mle); err != nil {
			return err
		}
	}

	clock := &domain.LogicalClock{}
	registry := domain.NewSnapshotRegistry(clock, cfg.Snapshot.MaxAgeMs)
	snap, err := registry.Publish(&market, &pstate)
	if err != nil {
		return err
	}

	gk := gatekeeper.New(cfg, nil, nil, nil, nil, log.Logger)
	dec := gk.EvaluateEntrySignal(&gatekeeper.Request{
		MRCRegime:      domain.RegimeTrendUp,
		MRCProbs:       map[domain.Regime]float64{domain.RegimeTrendUp: 1},
		BaselineRegime: domain.RegimeTrendUp,
		Signal:         &sig,
		MLE:            mle,
		Snapshot:       snap,
		ClusterID:      clusterID,
		OrderType:      domain.OrderTaker,
		NowMs:          time.Now().UnixMilli(),
	})

	if journalDSN != "" {
		journal, jerr := persistence.Open(context.Background(), journalDSN, 16, log.Logger)
		if jerr != nil {
			return jerr
		}
		defer journal.Close()
		journal.RecordDecision(persistence.DecisionRecord{
			TsUTCMs:      time.Now().UnixMilli(),
			Instrument:   sig.Instrument,
			Allowed:      dec.Allowed,
			Reason:       dec.RejectionReason,
			SizeNotional: dec.SizeNotional,
			SnapshotID:   dec.SnapshotID,
			Diagnostics:  dec.Diagnostics,
		})
		if jerr := journal.Flush(context.Background()); jerr != nil {
			return jerr
		}
	}

	out, err := json.MarshalIndent(dec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// reservationEvents logs coordinator protocol events: fills after expiry at
// error level, heartbeat-loss releases at warn level with the loss count.
type reservationEvents struct{}

func (reservationEvents) ReservationExpiredFill(id string) {
	log.Error().Str("reservation_id", id).Msg("fill arrived after reservation expiry; auto-reduce required")
}

func (reservationEvents) HeartbeatLostRelease(id string, repeats int) {
	log.Warn().Str("reservation_id", id).Int("repeats", repeats).Msg("reservation heartbeat lost")
}

// drpEscalations logs pipeline-raised DRP escalations.
type drpEscalations struct{}

func (drpEscalations) Escalate(state domain.DRPState, cause domain.EmergencyCause, detail string) {
	log.Warn().Str("state", string(state)).Str("cause", string(cause)).Str("detail", detail).Msg("drp escalation")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
