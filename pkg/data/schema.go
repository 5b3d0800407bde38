package data

// schemaStatements are applied in order at startup. Statements are
// idempotent so repeated startups are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS broadcasts (
		id                  TEXT PRIMARY KEY,
		tx_hash             TEXT NOT NULL,
		chain_id            BIGINT NOT NULL DEFAULT 0,
		strategy            TEXT NOT NULL,
		state               TEXT NOT NULL,
		successful_count    INTEGER NOT NULL DEFAULT 0,
		failed_count        INTEGER NOT NULL DEFAULT 0,
		total_attempts      INTEGER NOT NULL DEFAULT 0,
		agreement           DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_ms         BIGINT NOT NULL DEFAULT 0,
		warnings            TEXT[],
		confirmation_status TEXT NOT NULL DEFAULT '',
		confirmations       INTEGER NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_broadcasts_tx_hash ON broadcasts (tx_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_broadcasts_created_at ON broadcasts (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS broadcast_attempts (
		id               TEXT PRIMARY KEY,
		broadcast_id     TEXT NOT NULL REFERENCES broadcasts (id) ON DELETE CASCADE,
		provider_id      TEXT NOT NULL,
		success          BOOLEAN NOT NULL,
		error_category   TEXT NOT NULL DEFAULT '',
		error_message    TEXT NOT NULL DEFAULT '',
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_broadcast_id ON broadcast_attempts (broadcast_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_provider_id ON broadcast_attempts (provider_id)`,
}
