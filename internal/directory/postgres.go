package directory

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// PostgresDirectory reads contractors and tier rates from Postgres.
type PostgresDirectory struct {
	pool db.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool db.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

const directoryMigration = `
CREATE TABLE IF NOT EXISTS contractors (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL,
	tier       INTEGER NOT NULL,
	rank       INTEGER NOT NULL DEFAULT 0,
	active     BOOLEAN NOT NULL DEFAULT true,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tier_rates (
	category      TEXT NOT NULL,
	tier          INTEGER NOT NULL,
	response_rate DOUBLE PRECISION NOT NULL CHECK (response_rate > 0 AND response_rate <= 1),
	PRIMARY KEY (category, tier)
);

CREATE INDEX IF NOT EXISTS idx_contractors_category_tier ON contractors(category, tier, rank);
`

// Migrate creates the directory tables.
func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, directoryMigration)
	return eris.Wrap(err, "directory: migrate")
}

func (d *PostgresDirectory) TierStats(ctx context.Context, category string) ([]model.TierStat, error) {
	key := NormalizeCategory(category)
	rows, err := d.pool.Query(ctx,
		`SELECT r.tier, COUNT(c.id), r.response_rate
		 FROM tier_rates r
		 LEFT JOIN contractors c ON c.category = r.category AND c.tier = r.tier AND c.active
		 WHERE r.category = $1
		 GROUP BY r.tier, r.response_rate
		 ORDER BY r.tier`,
		key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "directory: tier stats %s", key)
	}
	defer rows.Close()

	var stats []model.TierStat
	for rows.Next() {
		var s model.TierStat
		var available int64
		if err := rows.Scan(&s.Tier, &available, &s.ResponseRate); err != nil {
			return nil, eris.Wrap(err, "directory: scan tier stat")
		}
		s.Available = int(available)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "directory: tier stats iterate")
	}
	if len(stats) == 0 {
		return nil, eris.Wrapf(ErrUnknownCategory, "category %q", category)
	}
	return stats, nil
}

func (d *PostgresDirectory) Candidates(ctx context.Context, category string, tier, limit int, exclude map[string]bool) ([]model.Contractor, error) {
	key := NormalizeCategory(category)
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, email, phone, website, category, tier, rank
		 FROM contractors
		 WHERE category = $1 AND tier = $2 AND active AND NOT (id = ANY($3))
		 ORDER BY rank, id
		 LIMIT $4`,
		key, tier, excludedIDs(exclude), limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "directory: candidates %s tier %d", key, tier)
	}
	defer rows.Close()

	var out []model.Contractor
	for rows.Next() {
		var c model.Contractor
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Website, &c.Category, &c.Tier, &c.Rank); err != nil {
			return nil, eris.Wrap(err, "directory: scan contractor")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "directory: candidates iterate")
}
