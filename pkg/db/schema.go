package db

import "fmt"

// Monetary columns are TEXT: values round-trip through decimal strings so
// balance arithmetic never touches floats.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    paper_balance TEXT NOT NULL DEFAULT '0',
    live_balance TEXT NOT NULL DEFAULT '0',
    is_live_mode INTEGER NOT NULL DEFAULT 0,
    api_key TEXT NOT NULL DEFAULT '',
    api_secret TEXT NOT NULL DEFAULT '',
    api_passphrase TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    current_price TEXT NOT NULL DEFAULT '0',
    change_24h TEXT NOT NULL DEFAULT '0',
    volume_24h TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    order_type TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT,
    stop_price TEXT,
    take_profit_price TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    filled_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT NOT NULL,
    total TEXT NOT NULL,
    pnl TEXT NOT NULL DEFAULT '0',
    executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(order_id) REFERENCES orders(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, executed_at);

CREATE TABLE IF NOT EXISTS positions (
    user_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    quantity TEXT NOT NULL,
    average_price TEXT NOT NULL,
    total_invested TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, asset_id)
);

CREATE TABLE IF NOT EXISTS risk_settings (
    user_id TEXT PRIMARY KEY,
    max_position_size TEXT NOT NULL,
    stop_loss_pct TEXT NOT NULL,
    take_profit_pct TEXT NOT NULL,
    max_daily_loss TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS viper_settings (
    user_id TEXT PRIMARY KEY,
    max_leverage INTEGER NOT NULL,
    vol_threshold TEXT NOT NULL,
    strike_window TEXT NOT NULL,
    profit_target TEXT NOT NULL,
    stop_loss TEXT NOT NULL,
    cluster_threshold TEXT NOT NULL,
    position_scaling TEXT NOT NULL,
    max_concurrent_trades INTEGER NOT NULL,
    balance_multiplier TEXT NOT NULL,
    is_enabled INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS liquidation_clusters (
    id TEXT PRIMARY KEY,
    inst_id TEXT NOT NULL,
    price TEXT NOT NULL,
    size TEXT NOT NULL,
    side TEXT NOT NULL,
    volume TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    detected_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_clusters_inst ON liquidation_clusters(inst_id, processed);

CREATE TABLE IF NOT EXISTS viper_trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    cluster_id TEXT,
    inst_id TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    leverage INTEGER NOT NULL,
    take_profit_price TEXT NOT NULL,
    stop_loss_price TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    pnl TEXT NOT NULL DEFAULT '0',
    exit_price TEXT,
    entry_time DATETIME DEFAULT CURRENT_TIMESTAMP,
    exit_time DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_viper_trades_user ON viper_trades(user_id, status);
`

// ApplyMigrations creates all tables if they do not exist.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
