package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_events (
	id         TEXT PRIMARY KEY,
	flow_id    TEXT NOT NULL DEFAULT '',
	account    TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_auth_events_account ON auth_events(account);
CREATE INDEX IF NOT EXISTS idx_auth_events_created ON auth_events(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
