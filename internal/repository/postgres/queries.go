package postgres

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// queries holds the named statements from queries/*.sql, rebound to the
// driver's placeholder style.
type queries struct {
	byName map[string]string
}

func loadQueries(db *sqlx.DB) (*queries, error) {
	var combined strings.Builder
	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("parse queries: %w", err)
	}
	q := &queries{byName: make(map[string]string)}
	for name := range dot.QueryMap() {
		raw, err := dot.Raw(name)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		q.byName[name] = db.Rebind(raw)
	}
	return q, nil
}

func (q *queries) get(name string) string {
	query, ok := q.byName[name]
	if !ok {
		panic(fmt.Sprintf("postgres: query %q not found in queries/*.sql", name))
	}
	return query
}
