// Package migrations applies the genesis schema's raw SQL files in
// order. The set is small and append-only by convention (a new numbered
// file per change, never an edit to a committed one), so a sorted
// embed.FS walk plus straight ExecContext is simpler and carries one
// fewer dependency than a full migration framework — see DESIGN.md.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sort"

	"github.com/fleetctl/controlplane/internal/domain/errs"
)

//go:embed *.sql
var files embed.FS

// Apply execs every embedded .sql file against db in filename order.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := files.ReadDir(".")
	if err != nil {
		return errs.Wrap(errs.DegradedDependency, "migrations: read embedded dir", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := files.ReadFile(name)
		if err != nil {
			return errs.Wrap(errs.DegradedDependency, "migrations: read "+name, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return errs.Wrap(errs.DegradedDependency, "migrations: apply "+name, err)
		}
	}
	return nil
}
