package cmd

import (
	"github.com/prometheus/client_golang/prometheus"

	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/deposit"
	"swap-router/pkg/planner"
	"swap-router/pkg/process"
	"swap-router/pkg/venue"
)

// app holds every wired component a command may need
type app struct {
	registry *chain.Registry
	oneclick *client.OneClickClient
	deposits *deposit.Manager
	venues   *venue.Set
	planner  *planner.Planner
	store    process.Store
	manager  *process.Manager
	engine   *process.Engine
}

// newApp wires the router from the loaded configuration. reg receives engine
// metrics and may be nil.
func newApp(reg prometheus.Registerer) (*app, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	oneclick := client.NewOneClickClient(cfg.OneClick.BaseURL, cfg.OneClick.JWTToken, cfg.OneClick.RPS, logger)
	aggregator := client.NewAggregatorClient(cfg.Aggregator.BaseURL, cfg.Aggregator.SlippageBps, cfg.Aggregator.RPS, cfg.Timeouts.Venue, logger)

	var signer deposit.SubstrateSigner
	if cfg.Substrate.SignerURL != "" {
		signer = client.NewSignerClient(cfg.Substrate.SignerURL, cfg.Timeouts.Venue, logger)
	}
	deposits := deposit.NewManager(registry, cfg, signer, oneclick, logger)

	amm, err := venue.NewAMM(registry, deposits, cfg.Timeouts.QuoteTTL)
	if err != nil {
		deposits.Close()
		return nil, err
	}
	venues := &venue.Set{
		XCM:            venue.NewXCM(registry, deposits, cfg.Timeouts.QuoteTTL),
		DepositChannel: venue.NewDepositChannel(registry, oneclick, cfg.Timeouts.QuoteTTL),
		AMM:            amm,
		Aggregator:     venue.NewAggregator(registry, aggregator, cfg.Timeouts.QuoteTTL),
	}

	store, err := process.OpenStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		deposits.Close()
		return nil, err
	}
	manager := process.NewManager(store, logger)
	engine := process.NewEngine(
		manager,
		venues,
		deposits,
		deposit.NewTracker(deposits, oneclick, logger),
		process.NewMetrics(reg),
		process.Config{
			ConfirmationTimeout: cfg.Timeouts.Confirmation,
			PollInterval:        cfg.Timeouts.PollInterval,
			VenueTimeout:        cfg.Timeouts.Venue,
			SubmitTimeout:       cfg.Timeouts.Submit,
		},
		logger,
	)

	return &app{
		registry: registry,
		oneclick: oneclick,
		deposits: deposits,
		venues:   venues,
		planner:  planner.New(registry, venues, cfg.Timeouts.Venue, logger),
		store:    store,
		manager:  manager,
		engine:   engine,
	}, nil
}

// Close releases chain sessions and the store
func (a *app) Close() {
	a.deposits.Close()
	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close store")
	}
}
