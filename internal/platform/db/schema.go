package db

// Migrations are applied in order by Migrate. Each entry runs once; applied
// versions are tracked in the _migrations table. Integer primary keys are
// used for internal joins; externally visible references are opaque strings.
var migrations = []migration{
	{
		version: 1,
		name:    "core",
		sql: `
CREATE TABLE IF NOT EXISTS alert (
    id          BIGSERIAL PRIMARY KEY,
    alert_id    TEXT NOT NULL UNIQUE,
    kind        TEXT NOT NULL,
    source_key  TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    severity    TEXT NOT NULL DEFAULT 'medium',
    patient_id  TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    detail      TEXT,
    snooze_until      TIMESTAMPTZ,
    resolution_reason TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS alert_active_source
    ON alert (kind, source_key) WHERE status <> 'resolved';
CREATE INDEX IF NOT EXISTS alert_snoozed ON alert (snooze_until) WHERE status = 'snoozed';

CREATE TABLE IF NOT EXISTS alert_audit (
    id        BIGSERIAL PRIMARY KEY,
    alert_fk  BIGINT NOT NULL REFERENCES alert(id),
    action    TEXT NOT NULL,
    actor     TEXT NOT NULL,
    details   TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS alert_delivery (
    id        BIGSERIAL PRIMARY KEY,
    alert_fk  BIGINT NOT NULL REFERENCES alert(id),
    channel   TEXT NOT NULL,
    attempt   INT NOT NULL DEFAULT 1,
    status    TEXT NOT NULL,
    error     TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS episode (
    id          BIGSERIAL PRIMARY KEY,
    episode_id  TEXT NOT NULL UNIQUE,
    bundle_id   TEXT NOT NULL,
    bundle_version INT NOT NULL,
    patient_id  TEXT NOT NULL,
    anchor      TIMESTAMPTZ NOT NULL,
    anchor_zone TEXT NOT NULL DEFAULT 'UTC',
    deadline    TIMESTAMPTZ NOT NULL,
    terminal    BOOLEAN NOT NULL DEFAULT FALSE,
    closed_at   TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS episode_open_one
    ON episode (patient_id, bundle_id) WHERE NOT terminal;

CREATE TABLE IF NOT EXISTS element_result (
    id          BIGSERIAL PRIMARY KEY,
    episode_fk  BIGINT NOT NULL REFERENCES episode(id),
    element_id  TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    evidence    JSONB,
    decided_at  TIMESTAMPTZ,
    UNIQUE (episode_fk, element_id)
);

CREATE TABLE IF NOT EXISTS scheduler_timer (
    id        BIGSERIAL PRIMARY KEY,
    timer_key TEXT NOT NULL UNIQUE,
    kind      TEXT NOT NULL,
    fire_at   TIMESTAMPTZ NOT NULL,
    payload   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scheduler_timer_fire ON scheduler_timer (fire_at);

CREATE TABLE IF NOT EXISTS ingest_watermark (
    id          BIGSERIAL PRIMARY KEY,
    source      TEXT NOT NULL,
    entity_kind TEXT NOT NULL,
    tenant      TEXT NOT NULL DEFAULT 'default',
    watermark   TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (source, entity_kind, tenant)
);`,
	},
	{
		version: 2,
		name:    "hai",
		sql: `
CREATE TABLE IF NOT EXISTS hai_candidate (
    id           BIGSERIAL PRIMARY KEY,
    candidate_id TEXT NOT NULL UNIQUE,
    hai_kind     TEXT NOT NULL,
    patient_id   TEXT NOT NULL,
    trigger_key  TEXT NOT NULL,
    device_days  INT,
    onset        TEXT,
    status       TEXT NOT NULL DEFAULT 'screened',
    exclusion_reason TEXT,
    payload      JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (hai_kind, trigger_key)
);

CREATE TABLE IF NOT EXISTS extraction (
    id            BIGSERIAL PRIMARY KEY,
    candidate_fk  BIGINT NOT NULL REFERENCES hai_candidate(id),
    prompt_version TEXT NOT NULL,
    model         TEXT NOT NULL,
    facts         JSONB,
    confidence    DOUBLE PRECISION,
    input_tokens  INT NOT NULL DEFAULT 0,
    output_tokens INT NOT NULL DEFAULT 0,
    latency_ms    BIGINT NOT NULL DEFAULT 0,
    success       BOOLEAN NOT NULL,
    error         TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS classification (
    id            BIGSERIAL PRIMARY KEY,
    candidate_fk  BIGINT NOT NULL REFERENCES hai_candidate(id),
    extraction_fk BIGINT REFERENCES extraction(id),
    decision      TEXT NOT NULL,
    strictness    TEXT NOT NULL,
    reasoning     JSONB,
    review_required BOOLEAN NOT NULL DEFAULT TRUE,
    superseded    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS review (
    id                BIGSERIAL PRIMARY KEY,
    candidate_fk      BIGINT NOT NULL REFERENCES hai_candidate(id),
    classification_fk BIGINT REFERENCES classification(id),
    queue_kind        TEXT NOT NULL DEFAULT 'hai',
    reviewer          TEXT,
    decision          TEXT,
    is_override       BOOLEAN NOT NULL DEFAULT FALSE,
    override_reason   TEXT,
    opened_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    closed_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS classification_discrepancy (
    id            BIGSERIAL PRIMARY KEY,
    candidate_fk  BIGINT NOT NULL REFERENCES hai_candidate(id),
    engine_decision TEXT NOT NULL,
    human_decision  TEXT NOT NULL,
    strictness    TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		version: 3,
		name:    "reporting",
		sql: `
CREATE TABLE IF NOT EXISTS denominator_daily (
    id          BIGSERIAL PRIMARY KEY,
    day         DATE NOT NULL,
    location    TEXT NOT NULL,
    patient_days INT NOT NULL DEFAULT 0,
    line_days    INT NOT NULL DEFAULT 0,
    catheter_days INT NOT NULL DEFAULT 0,
    vent_days    INT NOT NULL DEFAULT 0,
    UNIQUE (day, location)
);

CREATE TABLE IF NOT EXISTS denominator_monthly (
    id          BIGSERIAL PRIMARY KEY,
    month       DATE NOT NULL,
    location    TEXT NOT NULL,
    patient_days INT NOT NULL DEFAULT 0,
    device_days  INT NOT NULL DEFAULT 0,
    UNIQUE (month, location)
);

CREATE TABLE IF NOT EXISTS antimicrobial_use (
    id          BIGSERIAL PRIMARY KEY,
    day         DATE NOT NULL,
    location    TEXT NOT NULL,
    antimicrobial TEXT NOT NULL,
    days_of_therapy INT NOT NULL DEFAULT 0,
    UNIQUE (day, location, antimicrobial)
);

CREATE TABLE IF NOT EXISTS resistance_isolate (
    id        BIGSERIAL PRIMARY KEY,
    day       DATE NOT NULL,
    location  TEXT NOT NULL,
    organism  TEXT NOT NULL,
    phenotype TEXT NOT NULL DEFAULT '',
    resistant BOOLEAN NOT NULL DEFAULT FALSE,
    event_id  TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS resistance_isolate_day ON resistance_isolate (day);

CREATE TABLE IF NOT EXISTS submission_audit (
    id          BIGSERIAL PRIMARY KEY,
    kind        TEXT NOT NULL,
    period      TEXT NOT NULL,
    row_count   INT NOT NULL,
    checksum    TEXT NOT NULL DEFAULT '',
    submitted_by TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
}
