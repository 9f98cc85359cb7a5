package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/regadmin/core/csql"
)

// mutator errors. Handlers map these to status codes; anything else coming
// out of update() is a storage fault.
var (
	// ErrInvalidTable means the requested table is not in the closed set of
	// mutable tables.
	ErrInvalidTable = errors.New("no such table")
	// ErrInvalidColumn means the patch contains a column the table does not
	// permit. The mutator fails closed, it never includes unknown names in
	// the generated statement.
	ErrInvalidColumn = errors.New("unknown column")
	// ErrEmptyPatch means the patch contains no updatable columns. No
	// statement is issued.
	ErrEmptyPatch = errors.New("no fields to update")
	// ErrMissingKey means the primary key is absent or not numeric.
	ErrMissingKey = errors.New("missing or invalid id")
	// ErrNotFound means the key matched zero rows.
	ErrNotFound = errors.New("not found")
)

type columnKind int

const (
	kindInt columnKind = iota
	kindText
	kindBool
	kindTime
	kindJSON
)

// column describes a table column and the JSON property it is exposed as.
// For most columns the two names coincide; "group" is a reserved word in
// SQL, so it is stored as group_name.
type column struct {
	name     string
	jsonName string
	kind     columnKind
}

func col(name string, kind columnKind) column {
	return column{name: name, jsonName: name, kind: kind}
}

// table describes one mutable table: its primary key, the compile-time
// allow-list of columns a patch may touch, and the columns returned to
// clients. The users table deliberately omits password from returning.
type table struct {
	name           string
	key            column
	mutable        []column
	returning      []column
	touchUpdatedAt bool
}

var registrationColumns = []column{
	col("name", kindText),
	col("company", kindText),
	col("phone", kindText),
	{name: "group_name", jsonName: "group", kind: kindText},
	col("day", kindText),
	col("date", kindText),
	col("time", kindText),
	col("paid", kindBool),
	col("review", kindText),
	col("revised", kindBool),
}

var registrationsTable = table{
	name:    "registrations",
	key:     col("id", kindInt),
	mutable: registrationColumns,
	returning: append(append([]column{col("id", kindInt)}, registrationColumns...),
		col("created_at", kindTime), col("updated_at", kindTime)),
	touchUpdatedAt: true,
}

var usersTable = table{
	name: "users",
	key:  col("id", kindInt),
	mutable: []column{
		col("username", kindText),
		col("password", kindText),
		col("role", kindText),
	},
	returning: []column{
		col("id", kindInt),
		col("username", kindText),
		col("role", kindText),
		col("created_at", kindTime),
		col("updated_at", kindTime),
	},
	touchUpdatedAt: true,
}

var settingsTable = table{
	name: "settings",
	key:  col("id", kindInt),
	mutable: []column{
		col("data", kindJSON),
	},
	returning: []column{
		col("id", kindInt),
		col("data", kindJSON),
		col("updated_at", kindTime),
	},
	touchUpdatedAt: true,
}

// the closed set of tables the mutator can touch
var mutableTables = map[string]*table{
	"registrations": &registrationsTable,
	"users":         &usersTable,
	"settings":      &settingsTable,
}

func (t *table) mutableColumn(jsonName string) (column, bool) {
	for _, c := range t.mutable {
		if c.jsonName == jsonName {
			return c, true
		}
	}
	return column{}, false
}

func (t *table) returningList() string {
	names := make([]string, len(t.returning))
	for i, c := range t.returning {
		names[i] = "\"" + c.name + "\""
	}
	return strings.Join(names, ", ")
}

// createScanValuesAndObject returns typed scan destinations for the table's
// returning columns together with a finalizer that converts them into a
// JSON-ready object with null for absent values.
func (t *table) createScanValuesAndObject() ([]interface{}, func() map[string]interface{}) {
	values := make([]interface{}, len(t.returning))
	for i, c := range t.returning {
		switch c.kind {
		case kindInt:
			values[i] = new(int64)
		case kindBool:
			values[i] = new(sql.NullBool)
		case kindTime:
			values[i] = new(sql.NullTime)
		case kindJSON:
			values[i] = new(json.RawMessage)
		default:
			values[i] = new(sql.NullString)
		}
	}
	object := func() map[string]interface{} {
		o := map[string]interface{}{}
		for i, c := range t.returning {
			switch v := values[i].(type) {
			case *int64:
				o[c.jsonName] = *v
			case *sql.NullBool:
				if v.Valid {
					o[c.jsonName] = v.Bool
				} else {
					o[c.jsonName] = nil
				}
			case *sql.NullTime:
				if v.Valid {
					o[c.jsonName] = v.Time
				} else {
					o[c.jsonName] = nil
				}
			case *json.RawMessage:
				if len(*v) == 0 {
					o[c.jsonName] = nil
				} else {
					o[c.jsonName] = v
				}
			case *sql.NullString:
				if v.Valid {
					o[c.jsonName] = v.String
				} else {
					o[c.jsonName] = nil
				}
			}
		}
		return o
	}
	return values, object
}

// buildUpdate assembles a single parameterized UPDATE statement for the
// columns present in patch. Column names come from the table's allow-list
// only, values are always bound as parameters. The key column itself is
// immutable and silently dropped from the patch, any other unknown name
// fails closed with ErrInvalidColumn.
func buildUpdate(schema string, t *table, key string, patch map[string]interface{}) (string, []interface{}, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return "", nil, ErrMissingKey
	}

	// deterministic statement shape: patch keys in sorted order
	names := make([]string, 0, len(patch))
	for k := range patch {
		if k == t.key.jsonName {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	sets := []string{}
	args := []interface{}{}
	for _, k := range names {
		c, ok := t.mutableColumn(k)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrInvalidColumn, k)
		}
		value := patch[k]
		if c.kind == kindJSON && value != nil {
			raw, err := json.Marshal(value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s", ErrInvalidColumn, k)
			}
			value = raw
		}
		args = append(args, value)
		sets = append(sets, "\""+c.name+"\" = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		return "", nil, ErrEmptyPatch
	}

	query := fmt.Sprintf("UPDATE %s.\"%s\" SET ", schema, t.name) + strings.Join(sets, ", ")
	if t.touchUpdatedAt {
		query += ", updated_at = now()"
	}
	args = append(args, id)
	query += " WHERE \"" + t.key.name + "\" = $" + strconv.Itoa(len(args))
	query += " RETURNING " + t.returningList() + ";"
	return query, args, nil
}

// buildInsert assembles a parameterized INSERT over all of the table's
// mutable columns, with nil bound for absent values. created_at is set to
// server time in the statement.
func buildInsert(schema string, t *table, body map[string]interface{}) (string, []interface{}, error) {
	names := []string{}
	args := []interface{}{}
	for _, c := range t.mutable {
		value, ok := body[c.jsonName]
		if c.kind == kindBool && (!ok || value == nil) {
			value = false
		}
		if c.kind == kindJSON && value != nil {
			raw, err := json.Marshal(value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s", ErrInvalidColumn, c.jsonName)
			}
			value = raw
		}
		names = append(names, "\""+c.name+"\"")
		args = append(args, value)
	}
	query := fmt.Sprintf("INSERT INTO %s.\"%s\" ", schema, t.name) +
		"(" + strings.Join(names, ", ") + ", created_at)" +
		" VALUES(" + parameterString(len(args)) + ", now())" +
		" RETURNING " + t.returningList() + ";"
	return query, args, nil
}

// returns $1,...,$n
func parameterString(n int) string {
	result := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			result += ","
		}
		result += "$" + strconv.Itoa(i+1)
	}
	return result
}

// update is the partial-update mutator. It validates the patch against the
// table's allow-list, executes exactly one UPDATE statement and returns the
// post-update row from the same round trip. A key matching zero rows yields
// ErrNotFound, never a storage fault.
func (b *Backend) update(ctx context.Context, tableName string, key string, patch map[string]interface{}) (map[string]interface{}, error) {
	t, ok := mutableTables[tableName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, tableName)
	}
	query, args, err := buildUpdate(b.db.Schema, t, key, patch)
	if err != nil {
		return nil, err
	}
	values, object := t.createScanValuesAndObject()
	err = b.db.QueryRowContext(ctx, query, args...).Scan(values...)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return object(), nil
}
