// Copyright 2025 James Ross
package repository

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	id                TEXT PRIMARY KEY,
	uuid              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1,
	code              TEXT NOT NULL,
	permissions       TEXT NOT NULL,
	preference_schema TEXT NOT NULL DEFAULT '{}',
	preference_values TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS entrypoints (
	id                TEXT NOT NULL,
	plugin_id         TEXT NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
	name              TEXT NOT NULL,
	kind              TEXT NOT NULL,
	enabled           INTEGER NOT NULL DEFAULT 1,
	preference_schema TEXT NOT NULL DEFAULT '{}',
	preference_values TEXT NOT NULL DEFAULT '{}',
	action_shortcuts  TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (plugin_id, id)
);

CREATE INDEX IF NOT EXISTS idx_entrypoints_plugin_id ON entrypoints(plugin_id);
`
