// Package registry loads the company directory used by the semantic
// consistency check. The directory lives in a small sqlite database so
// finance staff can maintain it outside the pipeline.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Company is one registered entity the pipeline is allowed to recognize as
// our own side of a transaction.
type Company struct {
	PayerTaxID   string
	FullName     string
	ShortName    string
	EngFullName  string
	EngShortName string
}

// Names returns the non-empty name variants of the record.
func (c Company) Names() []string {
	var out []string
	for _, n := range []string{c.FullName, c.ShortName, c.EngFullName, c.EngShortName} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Open opens the registry database read-only.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open company registry: %w", err)
	}
	return db, nil
}

// LoadCompanies reads every company record into memory. The snapshot is
// taken once per run so validation stays pure.
func LoadCompanies(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]Company, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT payer_tax_id, full_name, short_name, eng_full_name, eng_short_name FROM companies`)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()

	var out []Company
	for rows.Next() {
		var c Company
		var taxID, full, short, engFull, engShort sql.NullString
		if err := rows.Scan(&taxID, &full, &short, &engFull, &engShort); err != nil {
			return nil, fmt.Errorf("scan company row: %w", err)
		}
		c.PayerTaxID = taxID.String
		c.FullName = full.String
		c.ShortName = short.String
		c.EngFullName = engFull.String
		c.EngShortName = engShort.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logger.Debug("registry.loaded", "companies", len(out))
	return out, nil
}
