package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_campaign": `INSERT INTO campaigns (id, status, at_risk, data, version, created_at, deadline_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_campaign":    `SELECT data, version FROM campaigns WHERE id = $1`,
	"update_campaign": `UPDATE campaigns SET status = $1, at_risk = $2, data = $3, version = $4, updated_at = $5 WHERE id = $6 AND version = $7`,
	"update_contact":  `UPDATE contacts SET status = $1, attempts = $2, receipt_id = $3, error = $4, updated_at = $5 WHERE id = $6`,
	"list_contacts":   `SELECT id, campaign_id, contractor_id, tier, wave, backfill, status, attempts, receipt_id, error, created_at, updated_at FROM contacts WHERE campaign_id = $1 ORDER BY created_at, id`,
}

var contactColumns = []string{
	"id", "campaign_id", "contractor_id", "tier", "wave", "backfill",
	"status", "attempts", "receipt_id", "error", "created_at", "updated_at",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPool opens a tuned pgx pool with the store's statements prepared.
func NewPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				if isUndefinedTable(err) {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// Pool returns the underlying database pool for subsystems that share it,
// such as the contractor directory.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	at_risk     BOOLEAN NOT NULL DEFAULT false,
	data        JSONB NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deadline_at TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	campaign_id   TEXT NOT NULL REFERENCES campaigns(id),
	contractor_id TEXT NOT NULL,
	tier          INTEGER NOT NULL,
	wave          INTEGER NOT NULL DEFAULT 0,
	backfill      BOOLEAN NOT NULL DEFAULT false,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	receipt_id    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (campaign_id, contractor_id)
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE INDEX IF NOT EXISTS idx_campaigns_updated_at ON campaigns(updated_at);
CREATE INDEX IF NOT EXISTS idx_contacts_campaign_id ON contacts(campaign_id);
CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(status, updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	prepareCreate(c)

	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal campaign")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, status, at_risk, data, version, created_at, deadline_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, string(c.Status), c.AtRisk, data, c.Version, c.CreatedAt, c.DeadlineAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert campaign %s", c.ID)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, version FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get campaign %s", id)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, c *model.Campaign) error {
	next := nextVersion(c)
	data, err := json.Marshal(&next)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal campaign")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET status = $1, at_risk = $2, data = $3, version = $4, updated_at = $5 WHERE id = $6 AND version = $7`,
		string(next.Status), next.AtRisk, data, next.Version, next.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update campaign %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, c.ID)
	}

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check campaign %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	return eris.Wrapf(ErrVersionConflict, "campaign %s", id)
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]model.Campaign, error) {
	query := `SELECT data, version FROM campaigns WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ActiveOnly {
		query += fmt.Sprintf(` AND NOT (status = ANY($%d))`, argIdx)
		args = append(args, terminalStatuses)
		argIdx++
	}
	if !filter.UpdatedAfter.IsZero() {
		query += fmt.Sprintf(` AND updated_at >= $%d`, argIdx)
		args = append(args, filter.UpdatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list campaigns")
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, eris.Wrap(rows.Err(), "postgres: list campaigns iterate")
}

// SaveContacts bulk-loads a wave of contacts with COPY.
func (s *PostgresStore) SaveContacts(ctx context.Context, contacts []model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		stampContact(c)
		rows = append(rows, []any{
			c.ID, c.CampaignID, c.ContractorID, c.Tier, c.Wave, c.Backfill,
			string(c.Status), c.Attempts, c.ReceiptID, c.Error, c.CreatedAt, c.UpdatedAt,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "contacts", contactColumns, rows)
	return eris.Wrap(err, "postgres: save contacts")
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	c.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET status = $1, attempts = $2, receipt_id = $3, error = $4, updated_at = $5 WHERE id = $6`,
		string(c.Status), c.Attempts, c.ReceiptID, c.Error, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update contact %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "contact %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, campaignID string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, campaign_id, contractor_id, tier, wave, backfill, status, attempts, receipt_id, error, created_at, updated_at FROM contacts WHERE campaign_id = $1 ORDER BY created_at, id`,
		campaignID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list contacts %s", campaignID)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

func (s *PostgresStore) CountContacts(ctx context.Context, status model.ContactStatus, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM contacts WHERE status = $1 AND updated_at >= $2`,
		string(status), since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count contacts")
}
