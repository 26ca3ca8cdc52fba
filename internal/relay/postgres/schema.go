package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_jobs (
	job_id BYTEA PRIMARY KEY,
	source_tx_id BYTEA NOT NULL,
	source_log_index BIGINT NOT NULL,
	source_height BIGINT NOT NULL,
	source_block_hash BYTEA NOT NULL,
	depositor BYTEA NOT NULL,
	amount BIGINT NOT NULL,
	recipient BYTEA NOT NULL,

	state SMALLINT NOT NULL,

	proof BYTEA,
	submission_seq BIGINT,
	submission_handle BYTEA,
	dest_tx_id BYTEA,

	proof_attempts INT NOT NULL DEFAULT 0,
	submit_attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMPTZ,

	claimed_by TEXT,
	claim_expires_at TIMESTAMPTZ,
	alerted_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT relay_jobs_identity UNIQUE (source_tx_id, source_log_index),
	CONSTRAINT job_id_len CHECK (octet_length(job_id) = 32),
	CONSTRAINT source_tx_id_len CHECK (octet_length(source_tx_id) = 32),
	CONSTRAINT source_block_hash_len CHECK (octet_length(source_block_hash) = 32),
	CONSTRAINT depositor_len CHECK (octet_length(depositor) = 20),
	CONSTRAINT recipient_len CHECK (octet_length(recipient) = 32),
	CONSTRAINT source_log_index_nonneg CHECK (source_log_index >= 0),
	CONSTRAINT source_height_nonneg CHECK (source_height >= 0),
	CONSTRAINT amount_nonneg CHECK (amount >= 0),
	CONSTRAINT state_range CHECK (state >= 1 AND state <= 7),
	CONSTRAINT submission_handle_len CHECK (submission_handle IS NULL OR octet_length(submission_handle) = 32),
	CONSTRAINT dest_tx_id_len CHECK (dest_tx_id IS NULL OR octet_length(dest_tx_id) = 32)
);

CREATE INDEX IF NOT EXISTS relay_jobs_state_idx ON relay_jobs (state);
CREATE INDEX IF NOT EXISTS relay_jobs_height_idx ON relay_jobs (source_height);

CREATE TABLE IF NOT EXISTS relay_checkpoint (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	height BIGINT NOT NULL,
	block_hash BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT checkpoint_block_hash_len CHECK (octet_length(block_hash) = 32)
);

CREATE TABLE IF NOT EXISTS relay_block_hashes (
	height BIGINT PRIMARY KEY,
	block_hash BYTEA NOT NULL,

	CONSTRAINT block_hash_len CHECK (octet_length(block_hash) = 32)
);

CREATE TABLE IF NOT EXISTS relay_ingest_errors (
	id BIGSERIAL PRIMARY KEY,
	source_height BIGINT NOT NULL,
	source_tx_id BYTEA NOT NULL,
	source_log_index BIGINT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
