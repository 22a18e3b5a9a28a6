package ledger

// postgresMigrations creates the ledger schema. The CHECK constraint is a
// second line of defense behind the conditional update; balance_after on
// every transaction row makes the log self-auditing.
var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		amount BIGINT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		operation TEXT,
		stripe_payment_id TEXT UNIQUE,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created
		ON credit_transactions (user_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_kind
		ON credit_transactions (user_id, kind, created_at)`,
}

// sqliteMigrations mirrors the Postgres schema for the embedded backend.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		operation TEXT,
		stripe_payment_id TEXT UNIQUE,
		balance_after INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created
		ON credit_transactions (user_id, created_at DESC, id DESC)`,
}
