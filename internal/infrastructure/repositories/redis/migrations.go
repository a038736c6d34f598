package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration is one versioned change to the key layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient, prefix string) error
}

// Migrate runs all pending migrations.
func Migrate(ctx context.Context, client redis.UniversalClient, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 only records the schema version.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient, prefix string) error {
				return nil
			},
		},
		{
			// Version 2 rebuilds the name|ip index from the node records so
			// registrations deduplicate across instances.
			Version: 2,
			Up: func(ctx context.Context, client redis.UniversalClient, prefix string) error {
				keys := newKeyspace(prefix)
				ids, err := client.SMembers(ctx, keys.nodeSet()).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					rec, err := getJSON[nodeRecord](ctx, client, keys.node(id))
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					if err := client.SetNX(ctx, keys.nodeAddr(rec.Name, rec.IP), rec.ID, 0).Err(); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
