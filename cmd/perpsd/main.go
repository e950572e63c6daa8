// perpsd hosts the perps margin engine as a single-node daemon: it wires
// the engine to a database for snapshots, NATS for price updates and
// event publishing, Prometheus metrics and a WebSocket event stream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
	"github.com/luxfi/perps/pkg/store"
	"github.com/luxfi/perps/pkg/websocket"
)

type config struct {
	natsURL        string
	dataDir        string
	metricsAddr    string
	wsPort         int
	logLevel       string
	snapshotEvery  time.Duration
	flagCost       string
	liquidateCost  string
	settlementCost string
	poolCredit     string
}

func main() {
	cfg := config{}
	flag.StringVar(&cfg.natsURL, "nats", "", "NATS server URL (empty disables NATS)")
	flag.StringVar(&cfg.dataDir, "db", "", "Data directory for BadgerDB (empty runs in-memory)")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", ":9091", "Prometheus metrics listen address")
	flag.IntVar(&cfg.wsPort, "ws-port", 8081, "WebSocket event stream port")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.snapshotEvery, "snapshot-interval", 30*time.Second, "Snapshot save interval")
	flag.StringVar(&cfg.flagCost, "flag-cost", "0", "Keeper cost of one flag call, unit of account")
	flag.StringVar(&cfg.liquidateCost, "liquidate-cost", "0", "Keeper cost of one liquidate call, unit of account")
	flag.StringVar(&cfg.settlementCost, "settlement-cost", "0", "Keeper cost of one settlement, unit of account")
	flag.StringVar(&cfg.poolCredit, "pool-credit", "0", "Pool credit available for debt rebalancing")
	flag.Parse()

	level, err := log.ToLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.logLevel, err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)
	logger.Info("perpsd starting", "pid", os.Getpid())

	db, err := openDatabase(cfg.dataDir, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var nc *nats.Conn
	if cfg.natsURL != "" {
		nc, err = nats.Connect(cfg.natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			logger.Error("failed to connect to NATS", "url", cfg.natsURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "url", cfg.natsURL)
	}

	ws := websocket.NewServer(logger.New("module", "websocket"))

	ring := events.NewMemory(4096)
	sinks := events.Fanout{ring, ws}
	if nc != nil {
		sinks = append(sinks, events.NewNATS(nc, logger.New("module", "events")))
	}

	m := metrics.New("perps")

	oracle := newPriceTable()
	ledger := &poolLedger{
		logger: logger.New("module", "ledger"),
		credit: mustDecimal(cfg.poolCredit, "pool-credit"),
	}
	costs := flatCosts{
		flag:       mustDecimal(cfg.flagCost, "flag-cost"),
		liquidate:  mustDecimal(cfg.liquidateCost, "liquidate-cost"),
		settlement: mustDecimal(cfg.settlementCost, "settlement-cost"),
	}

	engine := perps.NewEngine(perps.Config{
		Logger:   logger.New("module", "perps"),
		Oracle:   oracle,
		Ledger:   ledger,
		Registry: openRegistry{},
		Costs:    costs,
		Sink:     sinks,
		Metrics:  m,
	})

	snap, err := store.Load(db)
	if err != nil {
		logger.Error("failed to load snapshot", "error", err)
		os.Exit(1)
	}
	if err := engine.Restore(snap); err != nil {
		logger.Error("failed to restore snapshot", "error", err)
		os.Exit(1)
	}
	logger.Info("state restored",
		"accounts", len(snap.Accounts), "markets", len(snap.Markets))

	if nc != nil {
		if err := oracle.subscribe(nc, logger.New("module", "oracle")); err != nil {
			logger.Error("failed to subscribe to price feed", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		if err := m.Serve(cfg.metricsAddr); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		if err := ws.Start(cfg.wsPort); err != nil {
			logger.Error("websocket server stopped", "error", err)
		}
	}()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		snapshotWorker(engine, db, cfg.snapshotEvery, stop, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	close(stop)
	wg.Wait()
	ws.Stop()

	if err := store.Save(db, engine.Snapshot()); err != nil {
		logger.Error("failed to save final snapshot", "error", err)
		os.Exit(1)
	}
	logger.Info("final snapshot saved")
}

func openDatabase(dataDir string, logger log.Logger) (database.Database, error) {
	if dataDir == "" {
		logger.Info("running on in-memory database")
		return memdb.New(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbManager := manager.NewManager(dataDir, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpsd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open badgerdb: %w", err)
	}
	logger.Info("BadgerDB opened", "dir", dataDir)
	return db, nil
}

func snapshotWorker(engine *perps.Engine, db database.Database, every time.Duration, stop <-chan struct{}, logger log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := store.Save(db, engine.Snapshot()); err != nil {
				logger.Error("failed to save snapshot", "error", err)
			}
		}
	}
}

func mustDecimal(s, name string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -%s value %q: %v\n", name, s, err)
		os.Exit(1)
	}
	return d
}

// priceTable is a NATS-fed price oracle. Prices arrive as JSON on the
// "perps.prices" subject and are served to the engine from memory.
type priceTable struct {
	mu         sync.RWMutex
	markets    map[uint64]decimal.Decimal
	collateral map[uint64]decimal.Decimal
}

type priceUpdate struct {
	Kind  string          `json:"kind"` // "market" or "collateral"
	ID    uint64          `json:"id"`
	Price decimal.Decimal `json:"price"`
}

func newPriceTable() *priceTable {
	return &priceTable{
		markets:    make(map[uint64]decimal.Decimal),
		collateral: make(map[uint64]decimal.Decimal),
	}
}

func (p *priceTable) subscribe(nc *nats.Conn, logger log.Logger) error {
	_, err := nc.Subscribe("perps.prices", func(msg *nats.Msg) {
		var u priceUpdate
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			logger.Warn("dropped malformed price update", "error", err)
			return
		}
		if u.Price.Sign() <= 0 {
			logger.Warn("dropped non-positive price", "kind", u.Kind, "id", u.ID)
			return
		}
		p.mu.Lock()
		switch u.Kind {
		case "market":
			p.markets[u.ID] = u.Price
		case "collateral":
			p.collateral[u.ID] = u.Price
		}
		p.mu.Unlock()
	})
	return err
}

func (p *priceTable) MarketPrice(marketID uint64) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.markets[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for market %d", marketID)
	}
	return price, nil
}

func (p *priceTable) CollateralPrice(collateralID uint64) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.collateral[collateralID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for collateral %d", collateralID)
	}
	return price, nil
}

// poolLedger is the single-node custody bridge. Transfers are recorded in
// the log only; a production deployment replaces this with the host
// chain's token bridge.
type poolLedger struct {
	logger log.Logger
	credit decimal.Decimal
}

func (l *poolLedger) TransferIn(accountID, collateralID uint64, amount decimal.Decimal) error {
	l.logger.Info("transfer in", "account", accountID, "collateral", collateralID, "amount", amount)
	return nil
}

func (l *poolLedger) TransferOut(accountID, collateralID uint64, amount decimal.Decimal) error {
	l.logger.Info("transfer out", "account", accountID, "collateral", collateralID, "amount", amount)
	return nil
}

func (l *poolLedger) PayKeeper(keeper string, amount decimal.Decimal) error {
	l.logger.Info("keeper paid", "keeper", keeper, "amount", amount)
	return nil
}

func (l *poolLedger) PoolCredit() (decimal.Decimal, error) {
	return l.credit, nil
}

// openRegistry admits every account and caller. Identity lives off-node.
type openRegistry struct{}

func (openRegistry) AccountExists(uint64) bool                 { return true }
func (openRegistry) HasPermission(uint64, string, string) bool { return true }

type flatCosts struct {
	flag       decimal.Decimal
	liquidate  decimal.Decimal
	settlement decimal.Decimal
}

func (c flatCosts) FlagCost() decimal.Decimal       { return c.flag }
func (c flatCosts) LiquidateCost() decimal.Decimal  { return c.liquidate }
func (c flatCosts) SettlementCost() decimal.Decimal { return c.settlement }
