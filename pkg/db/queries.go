// Package db provides the sqlite-backed store for the paper trading core.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrUserIDRequired = errors.New("user_id is required")
)

// ----------------------------------------
// User queries
// ----------------------------------------

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, paper_balance, live_balance, is_live_mode, api_key, api_secret, api_passphrase)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.PaperBalance, u.LiveBalance, boolToInt(u.IsLiveMode), u.APIKey, u.APISecret, u.APIPassphrase)
	return err
}

// GetUser returns a user by id or ErrNotFound.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDRequired
	}
	var (
		u          User
		isLiveMode int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, paper_balance, live_balance, is_live_mode, api_key, api_secret, api_passphrase, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.PaperBalance, &u.LiveBalance, &isLiveMode, &u.APIKey, &u.APISecret, &u.APIPassphrase, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.IsLiveMode = isLiveMode == 1
	return &u, nil
}

// SetBalance overwrites one of the two ledger balances for a user.
// live selects which balance column is written; the other is untouched.
func (d *Database) SetBalance(ctx context.Context, userID string, amount decimal.Decimal, live bool) error {
	col := "paper_balance"
	if live {
		col = "live_balance"
	}
	res, err := d.DB.ExecContext(ctx,
		`UPDATE users SET `+col+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		amount, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetLiveMode flips which balance is active.
func (d *Database) SetLiveMode(ctx context.Context, userID string, live bool) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE users SET is_live_mode = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(live), userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetCredentials stores exchange API credentials for a user.
func (d *Database) SetCredentials(ctx context.Context, userID, key, secret, passphrase string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users SET api_key = ?, api_secret = ?, api_passphrase = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, key, secret, passphrase, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ----------------------------------------
// Asset queries
// ----------------------------------------

// UpsertAsset creates or refreshes an instrument row.
func (d *Database) UpsertAsset(ctx context.Context, a Asset) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO assets (id, name, current_price, change_24h, volume_24h, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Name, a.CurrentPrice, a.Change24h, a.Volume24h)
	return err
}

// UpdateAssetPrice writes the latest simulated market state.
func (d *Database) UpdateAssetPrice(ctx context.Context, id string, price, change, volume decimal.Decimal) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE assets SET current_price = ?, change_24h = ?, volume_24h = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, price, change, volume, id)
	return err
}

// GetAsset returns an asset by id or ErrNotFound.
func (d *Database) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, name, current_price, change_24h, volume_24h, updated_at
		FROM assets WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.CurrentPrice, &a.Change24h, &a.Volume24h, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query asset: %w", err)
	}
	return &a, nil
}

// ListAssets returns all instruments.
func (d *Database) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, current_price, change_24h, volume_24h, updated_at
		FROM assets ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var res []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.Name, &a.CurrentPrice, &a.Change24h, &a.Volume24h, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, asset_id, order_type, side, quantity, price, stop_price, take_profit_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.AssetID, o.Type, o.Side, o.Quantity, o.Price, o.StopPrice, o.TakeProfitPrice, o.Status)
	return err
}

// ResolveOrder applies the terminal status transition of an order. Fill
// price and time are only written for fills; a pending order is left alone.
func (d *Database) ResolveOrder(ctx context.Context, id, status string, price decimal.NullDecimal, filledAt *time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, price = COALESCE(?, price), filled_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, price, filledAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetOrder returns an order by id or ErrNotFound.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, asset_id, order_type, side, quantity, price, stop_price, take_profit_price, status, filled_at, created_at
		FROM orders WHERE id = ?
	`, id)
	return scanOrder(row)
}

// GetOrdersByUser returns the most recent orders for a user.
func (d *Database) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, asset_id, order_type, side, quantity, price, stop_price, take_profit_price, status, filled_at, created_at
		FROM orders WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var (
			o        Order
			filledAt sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.AssetID, &o.Type, &o.Side, &o.Quantity, &o.Price, &o.StopPrice, &o.TakeProfitPrice, &o.Status, &filledAt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if filledAt.Valid {
			t := filledAt.Time
			o.FilledAt = &t
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var (
		o        Order
		filledAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.UserID, &o.AssetID, &o.Type, &o.Side, &o.Quantity, &o.Price, &o.StopPrice, &o.TakeProfitPrice, &o.Status, &filledAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if filledAt.Valid {
		t := filledAt.Time
		o.FilledAt = &t
	}
	return &o, nil
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

// CreateTrade inserts an immutable fill record.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, user_id, asset_id, side, quantity, price, total, pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.OrderID, t.UserID, t.AssetID, t.Side, t.Quantity, t.Price, t.Total, t.PnL, t.ExecutedAt)
	return err
}

// GetTradesByUser returns the most recent trades for a user.
func (d *Database) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, user_id, asset_id, side, quantity, price, total, pnl, executed_at
		FROM trades WHERE user_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.AssetID, &t.Side, &t.Quantity, &t.Price, &t.Total, &t.PnL, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// GetPosition returns the holding for (user, asset) or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, userID, assetID string) (*Position, error) {
	var p Position
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, asset_id, quantity, average_price, total_invested, updated_at
		FROM positions WHERE user_id = ? AND asset_id = ?
	`, userID, assetID).Scan(&p.UserID, &p.AssetID, &p.Quantity, &p.AveragePrice, &p.TotalInvested, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// GetPositionsByUser returns all holdings for a user.
func (d *Database) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, asset_id, quantity, average_price, total_invested, updated_at
		FROM positions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.UserID, &p.AssetID, &p.Quantity, &p.AveragePrice, &p.TotalInvested, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertPosition stores the latest holding for (user, asset).
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (user_id, asset_id, quantity, average_price, total_invested, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, asset_id) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			total_invested = excluded.total_invested,
			updated_at = CURRENT_TIMESTAMP
	`, p.UserID, p.AssetID, p.Quantity, p.AveragePrice, p.TotalInvested)
	return err
}

// DeletePosition removes a fully-closed holding.
func (d *Database) DeletePosition(ctx context.Context, userID, assetID string) error {
	_, err := d.DB.ExecContext(ctx,
		`DELETE FROM positions WHERE user_id = ? AND asset_id = ?`, userID, assetID)
	return err
}

// ----------------------------------------
// Risk settings
// ----------------------------------------

// GetRiskSettings returns the stored settings or ErrNotFound.
func (d *Database) GetRiskSettings(ctx context.Context, userID string) (*RiskSettings, error) {
	var s RiskSettings
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, max_position_size, stop_loss_pct, take_profit_pct, max_daily_loss, updated_at
		FROM risk_settings WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.MaxPositionSize, &s.StopLossPct, &s.TakeProfitPct, &s.MaxDailyLoss, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query risk settings: %w", err)
	}
	return &s, nil
}

// UpsertRiskSettings creates-or-updates a user's risk bounds.
func (d *Database) UpsertRiskSettings(ctx context.Context, s RiskSettings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_settings (user_id, max_position_size, stop_loss_pct, take_profit_pct, max_daily_loss, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			max_position_size = excluded.max_position_size,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			max_daily_loss = excluded.max_daily_loss,
			updated_at = CURRENT_TIMESTAMP
	`, s.UserID, s.MaxPositionSize, s.StopLossPct, s.TakeProfitPct, s.MaxDailyLoss)
	return err
}

// ----------------------------------------
// Viper settings
// ----------------------------------------

// GetViperSettings returns the stored engine settings or ErrNotFound.
func (d *Database) GetViperSettings(ctx context.Context, userID string) (*ViperSettings, error) {
	var (
		s         ViperSettings
		isEnabled int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, max_leverage, vol_threshold, strike_window, profit_target, stop_loss,
		       cluster_threshold, position_scaling, max_concurrent_trades, balance_multiplier, is_enabled, updated_at
		FROM viper_settings WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.MaxLeverage, &s.VolThreshold, &s.StrikeWindow, &s.ProfitTarget, &s.StopLoss,
		&s.ClusterThreshold, &s.PositionScaling, &s.MaxConcurrentTrades, &s.BalanceMultiplier, &isEnabled, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query viper settings: %w", err)
	}
	s.IsEnabled = isEnabled == 1
	return &s, nil
}

// UpsertViperSettings creates-or-updates a user's engine configuration.
func (d *Database) UpsertViperSettings(ctx context.Context, s ViperSettings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO viper_settings (user_id, max_leverage, vol_threshold, strike_window, profit_target, stop_loss,
			cluster_threshold, position_scaling, max_concurrent_trades, balance_multiplier, is_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			max_leverage = excluded.max_leverage,
			vol_threshold = excluded.vol_threshold,
			strike_window = excluded.strike_window,
			profit_target = excluded.profit_target,
			stop_loss = excluded.stop_loss,
			cluster_threshold = excluded.cluster_threshold,
			position_scaling = excluded.position_scaling,
			max_concurrent_trades = excluded.max_concurrent_trades,
			balance_multiplier = excluded.balance_multiplier,
			is_enabled = excluded.is_enabled,
			updated_at = CURRENT_TIMESTAMP
	`, s.UserID, s.MaxLeverage, s.VolThreshold, s.StrikeWindow, s.ProfitTarget, s.StopLoss,
		s.ClusterThreshold, s.PositionScaling, s.MaxConcurrentTrades, s.BalanceMultiplier, boolToInt(s.IsEnabled))
	return err
}

// ----------------------------------------
// Liquidation clusters
// ----------------------------------------

// CreateCluster stores a detected opportunity.
func (d *Database) CreateCluster(ctx context.Context, c LiquidationCluster) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO liquidation_clusters (id, inst_id, price, size, side, volume, processed, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, c.ID, c.InstID, c.Price, c.Size, c.Side, c.Volume, boolToInt(c.Processed), c.DetectedAt)
	return err
}

// MarkClusterProcessed flips processed false -> true. Returns false when
// the cluster was already processed, guarding against a double strike.
func (d *Database) MarkClusterProcessed(ctx context.Context, id string) (bool, error) {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE liquidation_clusters SET processed = 1 WHERE id = ? AND processed = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetCluster returns a cluster by id or ErrNotFound.
func (d *Database) GetCluster(ctx context.Context, id string) (*LiquidationCluster, error) {
	var (
		c         LiquidationCluster
		processed int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, inst_id, price, size, side, volume, processed, detected_at
		FROM liquidation_clusters WHERE id = ?
	`, id).Scan(&c.ID, &c.InstID, &c.Price, &c.Size, &c.Side, &c.Volume, &processed, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cluster: %w", err)
	}
	c.Processed = processed == 1
	return &c, nil
}

// ----------------------------------------
// Viper trades
// ----------------------------------------

// CreateViperTrade inserts a new autonomous trade in active state.
func (d *Database) CreateViperTrade(ctx context.Context, t ViperTrade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO viper_trades (id, user_id, cluster_id, inst_id, side, entry_price, quantity, leverage,
			take_profit_price, stop_loss_price, status, pnl, entry_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.UserID, nullString(t.ClusterID), t.InstID, t.Side, t.EntryPrice, t.Quantity, t.Leverage,
		t.TakeProfitPrice, t.StopLossPrice, t.Status, t.PnL, t.EntryTime)
	return err
}

// UpdateViperTradePnL persists the running unrealized pnl of an open trade.
func (d *Database) UpdateViperTradePnL(ctx context.Context, id string, pnl decimal.Decimal) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE viper_trades SET pnl = ? WHERE id = ? AND status = 'active'`, pnl, id)
	return err
}

// CloseViperTrade applies the terminal transition active -> status and
// sets exit price/time exactly once. Returns false if the trade already
// left active.
func (d *Database) CloseViperTrade(ctx context.Context, id, status string, exitPrice, pnl decimal.Decimal, exitTime time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE viper_trades SET status = ?, exit_price = ?, pnl = ?, exit_time = ?
		WHERE id = ? AND status = 'active'
	`, status, exitPrice, pnl, exitTime, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetViperTradesByUser returns trades for a user, optionally filtered by status.
func (d *Database) GetViperTradesByUser(ctx context.Context, userID, status string, limit int) ([]ViperTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	query := `
		SELECT id, user_id, COALESCE(cluster_id, ''), inst_id, side, entry_price, quantity, leverage,
		       take_profit_price, stop_loss_price, status, pnl, exit_price, entry_time, exit_time
		FROM viper_trades WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY entry_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query viper trades: %w", err)
	}
	defer rows.Close()

	var res []ViperTrade
	for rows.Next() {
		var (
			t        ViperTrade
			exitTime sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.ClusterID, &t.InstID, &t.Side, &t.EntryPrice, &t.Quantity, &t.Leverage,
			&t.TakeProfitPrice, &t.StopLossPrice, &t.Status, &t.PnL, &t.ExitPrice, &t.EntryTime, &exitTime); err != nil {
			return nil, fmt.Errorf("scan viper trade: %w", err)
		}
		if exitTime.Valid {
			ts := exitTime.Time
			t.ExitTime = &ts
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
