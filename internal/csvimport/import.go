// Package csvimport ingests merchant-supplied unit cost CSVs into
// inventory cost snapshots with source=csv, the middle rung of the cost
// resolver's fallback chain.
package csvimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"profitpeek/internal/domain"
	"profitpeek/internal/money"
	"profitpeek/internal/store"
)

// MaxRows caps one upload. Larger catalogues should be split.
const MaxRows = 10000

// ErrTooManyRows rejects uploads over MaxRows.
var ErrTooManyRows = errors.New("csv import exceeds row limit")

// ErrMissingHeader rejects files without the required columns.
var ErrMissingHeader = errors.New("csv import missing required header")

var requiredColumns = []string{"variant_id", "unit_cost", "effective_date", "currency"}

// Importer parses cost CSVs and persists the resulting snapshots.
type Importer struct {
	store  store.Store
	logger *slog.Logger
}

// NewImporter creates a CSV cost importer.
func NewImporter(st store.Store, logger *slog.Logger) *Importer {
	return &Importer{store: st, logger: logger.With("component", "csvimport")}
}

// Result summarises one import: rows written, rows skipped, and the
// per-row validation messages for the skipped ones.
type Result struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Import reads a cost CSV and writes snapshots for shopID. Snapshots
// are keyed by the variant id; the cost resolver matches CSV entries
// through either identifier. Invalid rows are skipped and reported,
// never silently dropped.
func (im *Importer) Import(ctx context.Context, shopID string, r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var snapshots []domain.InventoryItemCostSnapshot
	row := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row+1, err)
		}
		row++
		if row-1 > MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, MaxRows)
		}

		snap, err := parseRow(record, cols, shopID)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", row, err))
			continue
		}
		snapshots = append(snapshots, *snap)
	}

	if len(snapshots) > 0 {
		if err := im.store.InsertCostSnapshots(ctx, snapshots); err != nil {
			return nil, fmt.Errorf("persist cost snapshots: %w", err)
		}
	}
	res.Imported = len(snapshots)
	im.logger.Info("cost csv imported", "shop", shopID, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, required)
		}
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int, shopID string) (*domain.InventoryItemCostSnapshot, error) {
	field := func(name string) string {
		idx := cols[name]
		if idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	variantID := field("variant_id")
	if variantID == "" {
		return nil, errors.New("empty variant_id")
	}
	unitCost, err := money.ParseAmount(field("unit_cost"))
	if err != nil {
		return nil, fmt.Errorf("unit_cost: %w", err)
	}
	effectiveDate, err := parseDate(field("effective_date"))
	if err != nil {
		return nil, err
	}
	currency := field("currency")
	if currency == "" {
		return nil, errors.New("empty currency")
	}

	return &domain.InventoryItemCostSnapshot{
		ShopID:          shopID,
		InventoryItemID: variantID,
		EffectiveDate:   effectiveDate,
		UnitCost:        unitCost,
		Currency:        currency,
		Source:          domain.CostSourceCSV,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty effective_date")
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad effective_date %q", s)
}
