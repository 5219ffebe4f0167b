// Copyright 2025 James Ross

// Package repository is the persisted-plugin store: one SQLite database
// holding every installed plugin, its entrypoints, and the preference
// values a user has overridden. save_plugin writes a plugin and all of its
// entrypoints in a single transaction, so a crash mid-write never leaves a
// plugin with a partial entrypoint set.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

// Store is the plugin persistence contract backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// the schema. dsn is passed straight to the sqlite3 driver, so pragmas such
// as "file:plugins.db?_foreign_keys=on" are honored.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY under our own feet
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlugin inserts or replaces a plugin and its entrypoints atomically:
// either both the plugin row and every entrypoint row land, or none do.
func (s *Store) SavePlugin(ctx context.Context, write pluginmodel.WritePlugin) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin save_plugin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p := write.Plugin
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}

	permissionsJSON, err := json.Marshal(p.Permissions)
	if err != nil {
		return fmt.Errorf("repository: marshal permissions: %w", err)
	}
	prefSchemaJSON, err := json.Marshal(p.PreferenceSchema)
	if err != nil {
		return fmt.Errorf("repository: marshal plugin preference schema: %w", err)
	}
	prefValuesJSON, err := json.Marshal(p.PreferenceValues)
	if err != nil {
		return fmt.Errorf("repository: marshal plugin preference values: %w", err)
	}
	codeJSON, err := json.Marshal(p.Code)
	if err != nil {
		return fmt.Errorf("repository: marshal plugin code: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plugins (id, uuid, name, description, enabled, code, permissions, preference_schema, preference_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			enabled = excluded.enabled,
			code = excluded.code,
			permissions = excluded.permissions,
			preference_schema = excluded.preference_schema,
			preference_values = excluded.preference_values
	`, string(p.ID), p.UUID.String(), p.Name, p.Description, boolToInt(p.Enabled), string(codeJSON), string(permissionsJSON), string(prefSchemaJSON), string(prefValuesJSON))
	if err != nil {
		return fmt.Errorf("repository: upsert plugin %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entrypoints WHERE plugin_id = ?`, string(p.ID)); err != nil {
		return fmt.Errorf("repository: clear entrypoints for %s: %w", p.ID, err)
	}

	for _, ep := range write.Entrypoints {
		epSchemaJSON, err := json.Marshal(ep.PreferenceSchema)
		if err != nil {
			return fmt.Errorf("repository: marshal entrypoint %s preference schema: %w", ep.ID, err)
		}
		epValuesJSON, err := json.Marshal(ep.PreferenceValues)
		if err != nil {
			return fmt.Errorf("repository: marshal entrypoint %s preference values: %w", ep.ID, err)
		}
		shortcutsJSON, err := json.Marshal(ep.ActionShortcuts)
		if err != nil {
			return fmt.Errorf("repository: marshal entrypoint %s shortcuts: %w", ep.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entrypoints (id, plugin_id, name, kind, enabled, preference_schema, preference_values, action_shortcuts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, string(ep.ID), string(p.ID), ep.Name, string(ep.Kind), boolToInt(ep.Enabled), string(epSchemaJSON), string(epValuesJSON), string(shortcutsJSON))
		if err != nil {
			return fmt.Errorf("repository: insert entrypoint %s for %s: %w", ep.ID, p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: commit save_plugin for %s: %w", p.ID, err)
	}
	return nil
}

// RemovePlugin deletes a plugin and, via ON DELETE CASCADE, its entrypoints.
func (s *Store) RemovePlugin(ctx context.Context, id pluginmodel.PluginID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("repository: remove plugin %s: %w", id, err)
	}
	return nil
}

// LoadPlugin reads back one plugin with its entrypoints, or (nil, nil) if
// no such plugin is stored.
func (s *Store) LoadPlugin(ctx context.Context, id pluginmodel.PluginID) (*pluginmodel.PluginRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, description, enabled, code, permissions, preference_schema, preference_values
		FROM plugins WHERE id = ?
	`, string(id))

	rec, err := scanPlugin(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: load plugin %s: %w", id, err)
	}

	entrypoints, err := s.loadEntrypoints(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Entrypoints = entrypoints
	return rec, nil
}

// LoadAllPlugins reads back every stored plugin with its entrypoints,
// ordered by id, for reload_all_plugins at startup.
func (s *Store) LoadAllPlugins(ctx context.Context) ([]pluginmodel.PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, name, description, enabled, code, permissions, preference_schema, preference_values
		FROM plugins ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("repository: list plugins: %w", err)
	}
	defer rows.Close()

	var records []pluginmodel.PluginRecord
	for rows.Next() {
		rec, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan plugin row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: list plugins: %w", err)
	}

	for i := range records {
		entrypoints, err := s.loadEntrypoints(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Entrypoints = entrypoints
	}
	return records, nil
}

// SetPreferenceValue persists one preference override for a plugin, or for
// one of its entrypoints when entrypoint is non-empty.
func (s *Store) SetPreferenceValue(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, name string, value pluginmodel.PreferenceValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin set_preference_value tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	if entrypoint != "" {
		err = tx.QueryRowContext(ctx, `SELECT preference_values FROM entrypoints WHERE plugin_id = ? AND id = ?`, string(plugin), string(entrypoint)).Scan(&current)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT preference_values FROM plugins WHERE id = ?`, string(plugin)).Scan(&current)
	}
	if err != nil {
		return fmt.Errorf("repository: load preference_values for %s/%s: %w", plugin, entrypoint, err)
	}

	values := make(map[string]pluginmodel.PreferenceValue)
	if current != "" {
		if err := json.Unmarshal([]byte(current), &values); err != nil {
			return fmt.Errorf("repository: decode preference_values for %s/%s: %w", plugin, entrypoint, err)
		}
	}
	values[name] = value
	updated, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("repository: encode preference_values for %s/%s: %w", plugin, entrypoint, err)
	}

	if entrypoint != "" {
		_, err = tx.ExecContext(ctx, `UPDATE entrypoints SET preference_values = ? WHERE plugin_id = ? AND id = ?`, string(updated), string(plugin), string(entrypoint))
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE plugins SET preference_values = ? WHERE id = ?`, string(updated), string(plugin))
	}
	if err != nil {
		return fmt.Errorf("repository: update preference_values for %s/%s: %w", plugin, entrypoint, err)
	}

	return tx.Commit()
}

// SetPluginEnabled flips a plugin's persisted enabled flag.
func (s *Store) SetPluginEnabled(ctx context.Context, id pluginmodel.PluginID, enabled bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE plugins SET enabled = ? WHERE id = ?`, boolToInt(enabled), string(id)); err != nil {
		return fmt.Errorf("repository: set plugin %s enabled=%v: %w", id, enabled, err)
	}
	return nil
}

// SetEntrypointEnabled flips one entrypoint's persisted enabled flag.
func (s *Store) SetEntrypointEnabled(ctx context.Context, plugin pluginmodel.PluginID, entrypoint pluginmodel.EntrypointID, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entrypoints SET enabled = ? WHERE plugin_id = ? AND id = ?`, boolToInt(enabled), string(plugin), string(entrypoint))
	if err != nil {
		return fmt.Errorf("repository: set entrypoint %s/%s enabled=%v: %w", plugin, entrypoint, enabled, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*pluginmodel.PluginRecord, error) {
	var (
		id, uuidStr, name, description string
		enabled                        int
		codeJSON, permissionsJSON      string
		prefSchemaJSON, prefValuesJSON string
	)
	if err := row.Scan(&id, &uuidStr, &name, &description, &enabled, &codeJSON, &permissionsJSON, &prefSchemaJSON, &prefValuesJSON); err != nil {
		return nil, err
	}

	rec := &pluginmodel.PluginRecord{
		ID:          pluginmodel.PluginID(id),
		Name:        name,
		Description: description,
		Enabled:     enabled != 0,
	}
	if parsed, err := uuid.Parse(uuidStr); err == nil {
		rec.UUID = parsed
	}
	if err := json.Unmarshal([]byte(codeJSON), &rec.Code); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	if err := json.Unmarshal([]byte(permissionsJSON), &rec.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(prefSchemaJSON), &rec.PreferenceSchema); err != nil {
		return nil, fmt.Errorf("decode preference_schema: %w", err)
	}
	if err := json.Unmarshal([]byte(prefValuesJSON), &rec.PreferenceValues); err != nil {
		return nil, fmt.Errorf("decode preference_values: %w", err)
	}
	return rec, nil
}

func (s *Store) loadEntrypoints(ctx context.Context, plugin pluginmodel.PluginID) ([]pluginmodel.Entrypoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, enabled, preference_schema, preference_values, action_shortcuts
		FROM entrypoints WHERE plugin_id = ? ORDER BY id
	`, string(plugin))
	if err != nil {
		return nil, fmt.Errorf("repository: list entrypoints for %s: %w", plugin, err)
	}
	defer rows.Close()

	var entrypoints []pluginmodel.Entrypoint
	for rows.Next() {
		var (
			id, name, kind                 string
			enabled                        int
			prefSchemaJSON, prefValuesJSON string
			shortcutsJSON                  string
		)
		if err := rows.Scan(&id, &name, &kind, &enabled, &prefSchemaJSON, &prefValuesJSON, &shortcutsJSON); err != nil {
			return nil, fmt.Errorf("repository: scan entrypoint for %s: %w", plugin, err)
		}
		ep := pluginmodel.Entrypoint{
			ID:      pluginmodel.EntrypointID(id),
			Name:    name,
			Kind:    pluginmodel.EntrypointKind(kind),
			Enabled: enabled != 0,
		}
		if err := json.Unmarshal([]byte(prefSchemaJSON), &ep.PreferenceSchema); err != nil {
			return nil, fmt.Errorf("repository: decode entrypoint %s preference_schema: %w", id, err)
		}
		if err := json.Unmarshal([]byte(prefValuesJSON), &ep.PreferenceValues); err != nil {
			return nil, fmt.Errorf("repository: decode entrypoint %s preference_values: %w", id, err)
		}
		if err := json.Unmarshal([]byte(shortcutsJSON), &ep.ActionShortcuts); err != nil {
			return nil, fmt.Errorf("repository: decode entrypoint %s action_shortcuts: %w", id, err)
		}
		entrypoints = append(entrypoints, ep)
	}
	return entrypoints, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
