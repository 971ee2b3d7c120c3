package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	at_risk     INTEGER NOT NULL DEFAULT 0,
	data        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL,
	deadline_at DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY,
	campaign_id   TEXT NOT NULL REFERENCES campaigns(id),
	contractor_id TEXT NOT NULL,
	tier          INTEGER NOT NULL,
	wave          INTEGER NOT NULL DEFAULT 0,
	backfill      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	receipt_id    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (campaign_id, contractor_id)
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE INDEX IF NOT EXISTS idx_campaigns_updated_at ON campaigns(updated_at);
CREATE INDEX IF NOT EXISTS idx_contacts_campaign_id ON contacts(campaign_id);
CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(status, updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	prepareCreate(c)

	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal campaign")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, status, at_risk, data, version, created_at, deadline_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Status), c.AtRisk, string(data), c.Version, c.CreatedAt, c.DeadlineAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert campaign %s", c.ID)
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, version FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateCampaign(ctx context.Context, c *model.Campaign) error {
	next := nextVersion(c)
	data, err := json.Marshal(&next)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal campaign")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, at_risk = ?, data = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(next.Status), next.AtRisk, string(data), next.Version, next.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update campaign %s", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missOrConflict(ctx, c.ID)
	}

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "sqlite: check campaign %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "campaign %s", id)
	}
	return eris.Wrapf(ErrVersionConflict, "campaign %s", id)
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]model.Campaign, error) {
	query := `SELECT data, version FROM campaigns WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		query += ` AND status NOT IN (?` + strings.Repeat(`, ?`, len(terminalStatuses)-1) + `)`
		for _, st := range terminalStatuses {
			args = append(args, st)
		}
	}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.UpdatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list campaigns")
	}
	defer rows.Close() //nolint:errcheck

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, eris.Wrap(rows.Err(), "sqlite: list campaigns iterate")
}

func (s *SQLiteStore) SaveContacts(ctx context.Context, contacts []model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO contacts (id, campaign_id, contractor_id, tier, wave, backfill, status, attempts, receipt_id, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert contact")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range contacts {
		c := &contacts[i]
		stampContact(c)
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.CampaignID, c.ContractorID, c.Tier, c.Wave, c.Backfill, string(c.Status),
			c.Attempts, c.ReceiptID, c.Error, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert contact %s", c.ContractorID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit contacts")
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, attempts = ?, receipt_id = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), c.Attempts, c.ReceiptID, c.Error, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update contact %s", c.ID)
	}
	return checkRowsAffected(res, "contact", c.ID)
}

func (s *SQLiteStore) ListContacts(ctx context.Context, campaignID string) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, contractor_id, tier, wave, backfill, status, attempts, receipt_id, error, created_at, updated_at
		 FROM contacts WHERE campaign_id = ? ORDER BY created_at, id`,
		campaignID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list contacts %s", campaignID)
	}
	defer rows.Close() //nolint:errcheck

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) CountContacts(ctx context.Context, status model.ContactStatus, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE status = ? AND updated_at >= ?`,
		string(status), since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count contacts")
}

// helpers

func newID() string {
	return uuid.New().String()
}

func stampContact(c *model.Contact) {
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.ContactPending
	}
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCampaign(row scannable) (*model.Campaign, error) {
	var data []byte
	var version int
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var c model.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "unmarshal campaign")
	}
	c.Version = version
	return &c, nil
}

func scanContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	var status string
	err := row.Scan(&c.ID, &c.CampaignID, &c.ContractorID, &c.Tier, &c.Wave, &c.Backfill, &status,
		&c.Attempts, &c.ReceiptID, &c.Error, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ContactStatus(status)
	return &c, nil
}
