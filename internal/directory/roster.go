package directory

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// Roster is a directory snapshot read from a spreadsheet.
type Roster struct {
	Contractors []model.Contractor
	Rates       []TierRate
}

// Sheet names recognised in a roster workbook. The contractor sheet falls
// back to the first sheet when no sheet is named "contractors".
const (
	contractorSheet = "contractors"
	rateSheet       = "rates"
)

// ReadRosterXLSX parses a roster workbook. Columns are matched by header
// name, case-insensitively: id, name, email, phone, website, category, tier,
// rank on the contractor sheet; category, tier, response_rate on the
// optional rates sheet.
func ReadRosterXLSX(path string) (*Roster, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "directory: open roster")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("directory: roster has no sheets")
	}

	sheet, ok := f.Sheet[contractorSheet]
	if !ok {
		sheet = f.Sheets[0]
	}

	var roster Roster
	roster.Contractors, err = parseContractors(sheetRows(sheet))
	if err != nil {
		return nil, err
	}
	if rs, ok := f.Sheet[rateSheet]; ok {
		roster.Rates, err = parseRates(sheetRows(rs))
		if err != nil {
			return nil, err
		}
	}
	return &roster, nil
}

func sheetRows(sheet *xlsx.Sheet) [][]string {
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows
}

type header map[string]int

func newHeader(row []string, required ...string) (header, error) {
	h := make(header, len(row))
	for i, name := range row {
		h[strings.ToLower(name)] = i
	}
	for _, r := range required {
		if _, ok := h[r]; !ok {
			return nil, eris.Errorf("directory: roster missing column %q", r)
		}
	}
	return h, nil
}

func (h header) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}

func parseContractors(rows [][]string) ([]model.Contractor, error) {
	if len(rows) == 0 {
		return nil, eris.New("directory: contractor sheet is empty")
	}
	h, err := newHeader(rows[0], "id", "name", "category", "tier")
	if err != nil {
		return nil, err
	}

	var out []model.Contractor
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		line := i + 2
		c := model.Contractor{
			ID:       h.get(row, "id"),
			Name:     h.get(row, "name"),
			Email:    h.get(row, "email"),
			Phone:    h.get(row, "phone"),
			Website:  h.get(row, "website"),
			Category: NormalizeCategory(h.get(row, "category")),
		}
		if c.ID == "" || c.Category == "" {
			return nil, eris.Errorf("directory: roster row %d: id and category are required", line)
		}
		if c.Tier, err = strconv.Atoi(h.get(row, "tier")); err != nil || c.Tier < 1 {
			return nil, eris.Errorf("directory: roster row %d: invalid tier %q", line, h.get(row, "tier"))
		}
		if rank := h.get(row, "rank"); rank != "" {
			if c.Rank, err = strconv.Atoi(rank); err != nil {
				return nil, eris.Errorf("directory: roster row %d: invalid rank %q", line, rank)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func parseRates(rows [][]string) ([]TierRate, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h, err := newHeader(rows[0], "category", "tier", "response_rate")
	if err != nil {
		return nil, err
	}

	var out []TierRate
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		line := i + 2
		r := TierRate{Category: NormalizeCategory(h.get(row, "category"))}
		if r.Tier, err = strconv.Atoi(h.get(row, "tier")); err != nil {
			return nil, eris.Errorf("directory: rates row %d: invalid tier %q", line, h.get(row, "tier"))
		}
		if r.ResponseRate, err = strconv.ParseFloat(h.get(row, "response_rate"), 64); err != nil {
			return nil, eris.Errorf("directory: rates row %d: invalid response_rate %q", line, h.get(row, "response_rate"))
		}
		if err := r.validate(); err != nil {
			return nil, eris.Wrapf(err, "directory: rates row %d", line)
		}
		out = append(out, r)
	}
	return out, nil
}

// ImportRoster upserts a roster into the Postgres directory tables.
// Contractors are keyed by id and rates by (category, tier), so re-running an
// import refreshes rows in place.
func ImportRoster(ctx context.Context, pool db.Pool, roster *Roster) (contractors, rates int64, err error) {
	rows := make([][]any, 0, len(roster.Contractors))
	for _, c := range roster.Contractors {
		rows = append(rows, []any{c.ID, c.Name, c.Email, c.Phone, c.Website, c.Category, c.Tier, c.Rank, true})
	}
	contractors, err = db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "contractors",
		Columns:      []string{"id", "name", "email", "phone", "website", "category", "tier", "rank", "active"},
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, 0, eris.Wrap(err, "directory: import contractors")
	}

	rateRows := make([][]any, 0, len(roster.Rates))
	for _, r := range roster.Rates {
		rateRows = append(rateRows, []any{r.Category, r.Tier, r.ResponseRate})
	}
	rates, err = db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "tier_rates",
		Columns:      []string{"category", "tier", "response_rate"},
		ConflictKeys: []string{"category", "tier"},
	}, rateRows)
	if err != nil {
		return contractors, 0, eris.Wrap(err, "directory: import tier rates")
	}

	zap.L().Info("directory: roster imported",
		zap.Int64("contractors", contractors),
		zap.Int64("rates", rates),
	)
	return contractors, rates, nil
}
