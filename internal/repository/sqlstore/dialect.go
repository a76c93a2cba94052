package sqlstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Driver names a supported SQL dialect.
type Driver string

const (
	MySQL    Driver = "mysql"
	Postgres Driver = "postgres"
	SQLite   Driver = "sqlite"
)

// driverName is the name the database/sql driver registered itself under.
func (d Driver) driverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// gooseDialect is the dialect name goose expects.
func (d Driver) gooseDialect() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite3"
	default:
		return "mysql"
	}
}

// placeholder returns the n-th (1-based) bind parameter marker.
func (d Driver) placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quote quotes an identifier, or a schema.table pair, for the dialect.
// Identifiers are whitelisted first; quoting alone is not relied on.
func (d Driver) quote(ident string) (string, error) {
	parts := strings.Split(ident, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("sqlstore: identifier %q has too many parts", ident)
	}
	for i, p := range parts {
		if !identPattern.MatchString(p) {
			return "", fmt.Errorf("sqlstore: invalid identifier %q", ident)
		}
		if d == MySQL {
			parts[i] = "`" + p + "`"
		} else {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, "."), nil
}

// Columns maps the logical user fields onto the physical table.
type Columns struct {
	Table    string
	ID       string
	Email    string
	Password string
	Name     string
}

// DefaultColumns is the layout created by the embedded migrations.
var DefaultColumns = Columns{
	Table:    "users",
	ID:       "id",
	Email:    "email",
	Password: "password",
	Name:     "name",
}

// queries holds the statements built once from the column mapping.
type queries struct {
	findByEmail string
	insert      string
}

func buildQueries(d Driver, c Columns) (queries, error) {
	var q queries

	table, err := d.quote(c.Table)
	if err != nil {
		return q, err
	}
	cols := make([]string, 0, 4)
	for _, name := range []string{c.ID, c.Email, c.Password, c.Name} {
		quoted, err := d.quote(name)
		if err != nil {
			return q, err
		}
		if strings.Contains(name, ".") {
			return q, fmt.Errorf("sqlstore: column %q must not be qualified", name)
		}
		cols = append(cols, quoted)
	}

	q.findByEmail = fmt.Sprintf(
		"SELECT %s, %s, %s, %s FROM %s WHERE %s = %s",
		cols[0], cols[1], cols[2], cols[3], table, cols[1], d.placeholder(1),
	)
	q.insert = fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s) VALUES (%s, %s, %s, %s)",
		table, cols[0], cols[1], cols[2], cols[3],
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4),
	)
	return q, nil
}
