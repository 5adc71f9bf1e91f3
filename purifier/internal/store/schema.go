package store

// Schema is the DDL of the result store.
const Schema = `
-- Censor results keyed by normalized source URL
CREATE TABLE IF NOT EXISTS censor_results (
    url         TEXT PRIMARY KEY,
    result      TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_censor_results_updated ON censor_results(updated_at DESC);
`
