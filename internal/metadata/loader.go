package metadata

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type entitiesFile struct {
	Entities []*Entity `yaml:"entities"`
}

// LoadFile reads entity definitions from a YAML file and builds the registry.
func LoadFile(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities file: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if logger != nil {
		logger.Info("entity metadata loaded",
			zap.String("path", path),
			zap.Int("entities", len(reg.entities)))
	}
	return reg, nil
}

// Parse decodes YAML entity definitions. Unknown keys are rejected so a typo
// in a whitelist name cannot silently disable it.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file entitiesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("no entities declared")
	}
	return NewRegistry(file.Entities)
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadFromDB reads JSON definitions from the _entities table. Unlike file
// loading, this lets operators stage metadata alongside data migrations.
// A row that fails to decode fails the whole load.
func LoadFromDB(ctx context.Context, q rowQuerier) (*Registry, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			return nil, fmt.Errorf("entity %s: invalid JSON: %w", name, err)
		}
		entities = append(entities, &entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return NewRegistry(entities)
}
