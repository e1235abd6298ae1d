package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// dialect captures what differs between the supported SQL engines.
type dialect struct {
	name      string
	numbered  bool
	returning bool
	// upsert renders the conflict clause for an insert keyed by conflict
	// that overwrites cols.
	upsert func(conflict string, cols ...string) string
	open   func(ctx context.Context, cfg Config) (*sql.DB, error)
}

var dialects = map[string]*dialect{}

func register(d *dialect) { dialects[d.name] = d }

// rebind rewrites ? placeholders into $n for numbered dialects.
func (d *dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func onConflictUpsert(conflict string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", conflict, strings.Join(sets, ", "))
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
