package viper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-core/internal/events"
	"papertrade-core/internal/ledger"
	"papertrade-core/internal/monitor"
	"papertrade-core/pkg/db"
)

var ErrAlreadyRunning = errors.New("controller already running for user")

// Minimum active balance to run the autonomous loop.
var (
	MinBalanceLive  = decimal.NewFromInt(10)
	MinBalancePaper = decimal.NewFromInt(5)
)

// degradedAfterFailures flips the degraded flag once this many cycles
// fail back to back.
const degradedAfterFailures = 3

// StartBalanceError reports a start rejected for lack of funds.
type StartBalanceError struct {
	Minimum   decimal.Decimal
	Available decimal.Decimal
}

func (e *StartBalanceError) Error() string {
	return fmt.Sprintf("balance %s below minimum %s (shortfall %s)",
		e.Available, e.Minimum, e.Minimum.Sub(e.Available))
}

// Shortfall is the amount missing to reach the minimum.
func (e *StartBalanceError) Shortfall() decimal.Decimal {
	return e.Minimum.Sub(e.Available)
}

// Status is the observational controller state for one user.
type Status struct {
	IsRunning     bool            `json:"is_running"`
	Degraded      bool            `json:"degraded"`
	CycleCount    int64           `json:"cycle_count"`
	LastExecution time.Time       `json:"last_execution"`
	Profitability decimal.Decimal `json:"profitability"`
	SuccessRate   decimal.Decimal `json:"success_rate"` // 0..1 over completed trades
	ActiveTrades  int             `json:"active_trades"`
}

type runState struct {
	cancel      context.CancelFunc
	mu          sync.Mutex
	cycleCount  int64
	lastExec    time.Time
	consecFails int
	degraded    bool
}

// Controller drives per-user strategy cycles on self-rescheduling
// timers. Each configured stream samples a disjoint slice of the
// instrument universe; streams share state only through the ledger and
// the engine's active-trade index.
type Controller struct {
	engine      *Engine
	ledger      *ledger.Ledger
	db          *db.Database
	bus         *events.Bus
	instruments []string
	interval    time.Duration
	streams     int
	topN        int

	mu      sync.Mutex
	running map[string]*runState
}

func NewController(engine *Engine, led *ledger.Ledger, database *db.Database, bus *events.Bus, instruments []string, interval time.Duration, streams, topN int) *Controller {
	if streams <= 0 {
		streams = 1
	}
	if topN <= 0 {
		topN = 3
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Controller{
		engine:      engine,
		ledger:      led,
		db:          database,
		bus:         bus,
		instruments: instruments,
		interval:    interval,
		streams:     streams,
		topN:        topN,
		running:     make(map[string]*runState),
	}
}

// minBalance returns the mode-dependent floor for the autonomous loop.
func minBalance(live bool) decimal.Decimal {
	if live {
		return MinBalanceLive
	}
	return MinBalancePaper
}

// Start launches the cycle loop for a user. A balance exactly at the
// minimum is allowed; one unit below is not.
func (c *Controller) Start(ctx context.Context, userID string) error {
	user, err := c.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	min := minBalance(user.IsLiveMode)
	if bal := user.ActiveBalance(); bal.LessThan(min) {
		return &StartBalanceError{Minimum: min, Available: bal}
	}

	c.mu.Lock()
	if _, ok := c.running[userID]; ok {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	st := &runState{cancel: cancel}
	c.running[userID] = st
	c.mu.Unlock()

	if err := c.engine.RestoreActiveIndex(ctx, userID); err != nil {
		log.Printf("controller: restore index for %s: %v", userID, err)
	}

	for i := 0; i < c.streams; i++ {
		go c.runStream(runCtx, userID, st, c.streamInstruments(i))
	}
	c.publishStatus(ctx, userID)
	log.Printf("controller: started for %s (%d streams, every %s)", userID, c.streams, c.interval)
	return nil
}

// streamInstruments partitions the universe round-robin so parallel
// streams never sample the same instrument.
func (c *Controller) streamInstruments(stream int) []string {
	if c.streams == 1 {
		return c.instruments
	}
	var out []string
	for i, inst := range c.instruments {
		if i%c.streams == stream {
			out = append(out, inst)
		}
	}
	return out
}

// runStream is the self-perpetuating timer loop: each pass schedules
// the next only while the run context is alive.
func (c *Controller) runStream(ctx context.Context, userID string, st *runState, instruments []string) {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		stop := c.cycle(ctx, userID, st, instruments)
		if stop {
			go c.haltForBalance(userID)
			return
		}
		timer.Reset(c.interval)
	}
}

// cycle runs one scan-strike-monitor pass. Errors are contained: a
// panic or failure skips the cycle, never the loop. The returned flag
// requests a full stop (balance below minimum).
func (c *Controller) cycle(ctx context.Context, userID string, st *runState, instruments []string) (stopAll bool) {
	var cycleErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				cycleErr = fmt.Errorf("cycle panic: %v", r)
			}
		}()
		cycleErr = c.runCycle(ctx, userID, instruments, &stopAll)
	}()

	st.mu.Lock()
	st.cycleCount++
	st.lastExec = time.Now().UTC()
	if cycleErr != nil {
		st.consecFails++
		if st.consecFails >= degradedAfterFailures && !st.degraded {
			st.degraded = true
			log.Printf("controller: %s degraded after %d consecutive cycle failures", userID, st.consecFails)
		}
	} else {
		st.consecFails = 0
		st.degraded = false
	}
	st.mu.Unlock()

	if cycleErr != nil {
		monitor.CyclesTotal.WithLabelValues("error").Inc()
		log.Printf("controller: cycle for %s failed: %v", userID, cycleErr)
	} else {
		monitor.CyclesTotal.WithLabelValues("ok").Inc()
	}
	c.publishStatus(ctx, userID)
	return stopAll
}

func (c *Controller) runCycle(ctx context.Context, userID string, instruments []string, stopAll *bool) error {
	user, err := c.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.ActiveBalance().LessThan(minBalance(user.IsLiveMode)) {
		log.Printf("controller: %s balance below minimum, halting loop", userID)
		*stopAll = true
		return nil
	}

	clusters, err := c.engine.ScanOpportunities(ctx, userID, instruments)
	if err != nil {
		return err
	}
	attempted := 0
	for _, cluster := range clusters {
		if attempted >= c.topN {
			break
		}
		attempted++
		_, err := c.engine.ExecuteStrike(ctx, userID, cluster)
		switch {
		case err == nil:
		case errors.Is(err, ErrClusterProcessed), errors.Is(err, ErrPositionTooSmall), errors.Is(err, ErrEngineDisabled):
			// expected skips, not failures
		default:
			var cv *ConcurrencyViolationError
			var ib *ledger.InsufficientBalanceError
			if errors.As(err, &cv) || errors.As(err, &ib) {
				continue
			}
			return err
		}
	}

	return c.engine.MonitorActiveTrades(ctx, userID)
}

// haltForBalance stops the loop and force-closes every open trade. A
// user-initiated Stop keeps trades open; running out of funds must
// not, since nothing is left to absorb further losses.
func (c *Controller) haltForBalance(userID string) {
	c.Stop(userID)
	ctx := context.Background()
	if err := c.engine.StopAll(ctx, userID); err != nil {
		log.Printf("controller: stop-all for %s: %v", userID, err)
	}
	c.publishStatus(ctx, userID)
}

// Stop halts the loop for a user. Calling it again is a no-op. Open
// trades stay open; their instrument locks are released so a future
// start can manage them after RestoreActiveIndex.
func (c *Controller) Stop(userID string) {
	c.mu.Lock()
	st, ok := c.running[userID]
	if ok {
		delete(c.running, userID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	c.engine.releaseUser(userID)
	c.publishStatus(context.Background(), userID)
	log.Printf("controller: stopped for %s", userID)
}

// GetStatus reports the controller state plus aggregate performance
// over completed trades. Purely observational.
func (c *Controller) GetStatus(ctx context.Context, userID string) (Status, error) {
	var s Status

	c.mu.Lock()
	st, ok := c.running[userID]
	c.mu.Unlock()
	if ok {
		st.mu.Lock()
		s.IsRunning = true
		s.Degraded = st.degraded
		s.CycleCount = st.cycleCount
		s.LastExecution = st.lastExec
		st.mu.Unlock()
	}

	trades, err := c.db.GetViperTradesByUser(ctx, userID, "", 1000)
	if err != nil {
		return Status{}, err
	}
	var completed, wins int64
	total := decimal.Zero
	for _, t := range trades {
		switch t.Status {
		case db.ViperActive:
			s.ActiveTrades++
		case db.ViperCompleted, db.ViperStopped:
			completed++
			total = total.Add(t.PnL)
			if t.PnL.Sign() > 0 {
				wins++
			}
		}
	}
	s.Profitability = total
	if completed > 0 {
		s.SuccessRate = decimal.NewFromInt(wins).Div(decimal.NewFromInt(completed)).Round(4)
	}
	return s, nil
}

func (c *Controller) publishStatus(ctx context.Context, userID string) {
	s, err := c.GetStatus(ctx, userID)
	if err != nil {
		return
	}
	c.bus.Publish(events.EventViperStatus, map[string]any{"user_id": userID, "status": s})
}
