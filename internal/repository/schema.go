package repository

// Схема хранится в двух вариантах: типы времени, JSON и чисел у
// Postgres и SQLite различаются, имена таблиц и колонок совпадают.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		mode VARCHAR(10) NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		signal_id TEXT NOT NULL,
		symbol VARCHAR(30) NOT NULL,
		side VARCHAR(10) NOT NULL,
		type VARCHAR(10) NOT NULL DEFAULT 'market',
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL DEFAULT 1,
		reduce_only BOOLEAN NOT NULL DEFAULT false,
		position_id TEXT NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		broker_order_id TEXT,
		filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_mode_status ON orders (mode, status)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		mode VARCHAR(10) NOT NULL,
		symbol VARCHAR(30) NOT NULL,
		side VARCHAR(10) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL DEFAULT 1,
		stop_loss DOUBLE PRECISION,
		take_profit DOUBLE PRECISION,
		trailing_stop_pct DOUBLE PRECISION,
		peak_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
		signal_id TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (mode, symbol, side)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		mode VARCHAR(10) NOT NULL,
		position_id TEXT NOT NULL,
		signal_id TEXT NOT NULL DEFAULT '',
		symbol VARCHAR(30) NOT NULL,
		side VARCHAR(10) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		close_reason VARCHAR(20) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_mode_closed ON trades (mode, closed_at)`,
	`CREATE TABLE IF NOT EXISTS portfolios (
		mode VARCHAR(10) PRIMARY KEY,
		balance DOUBLE PRECISION NOT NULL,
		day_start TIMESTAMPTZ NOT NULL,
		equity_at_day_start DOUBLE PRECISION NOT NULL,
		daily_realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_loss_limit_hit BOOLEAN NOT NULL DEFAULT FALSE,
		consecutive_losses INT NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		mode VARCHAR(10) NOT NULL,
		trigger_type VARCHAR(20) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		broker_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		discrepancies JSONB NOT NULL DEFAULT '[]',
		errors JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS settings_versions (
		version BIGINT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		type VARCHAR(30) NOT NULL,
		severity VARCHAR(10) NOT NULL DEFAULT 'info',
		symbol VARCHAR(30) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}'
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		signal_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'market',
		price REAL NOT NULL DEFAULT 0,
		stop_price REAL NOT NULL DEFAULT 0,
		quantity REAL NOT NULL,
		leverage REAL NOT NULL DEFAULT 1,
		reduce_only BOOLEAN NOT NULL DEFAULT 0,
		position_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		broker_order_id TEXT,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_mode_status ON orders (mode, status)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		leverage REAL NOT NULL DEFAULT 1,
		stop_loss REAL,
		take_profit REAL,
		trailing_stop_pct REAL,
		peak_price REAL NOT NULL DEFAULT 0,
		fees REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		signal_id TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (mode, symbol, side)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		position_id TEXT NOT NULL,
		signal_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		fees REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL,
		close_reason TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_mode_closed ON trades (mode, closed_at)`,
	`CREATE TABLE IF NOT EXISTS portfolios (
		mode TEXT PRIMARY KEY,
		balance REAL NOT NULL,
		day_start TIMESTAMP NOT NULL,
		equity_at_day_start REAL NOT NULL,
		daily_realized_pnl REAL NOT NULL DEFAULT 0,
		daily_loss_limit_hit INTEGER NOT NULL DEFAULT 0,
		consecutive_losses INTEGER NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		broker_balance REAL NOT NULL DEFAULT 0,
		discrepancies TEXT NOT NULL DEFAULT '[]',
		errors TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS settings_versions (
		version INTEGER PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		symbol TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}'
	)`,
}
