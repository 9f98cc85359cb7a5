/*
Package backend implements the REST backend of the event-registration admin
tool: a registrations collection, a settings singleton and a users
collection, all stored in postgres and served as JSON.

All partial updates go through a single generic mutator which validates
patches against a compile-time allow-list of columns per table and issues
exactly one parameterized UPDATE statement. Column names never come from
the request, values are always bound as parameters.
*/
package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/regadmin/core/csql"
	"github.com/relabs-tech/regadmin/core/logger"
)

// Backend is the event-registration admin backend
type Backend struct {
	db             *csql.DB
	router         *mux.Router
	settingsSchema *gojsonschema.Schema
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// AdminPassword is the password for the seeded default admin user.
	// This is mandatory, the backend refuses to seed a well-known password.
	AdminPassword string
	// SettingsSchema is an optional JSON schema. When set, settings blobs
	// are validated against it before they are stored.
	SettingsSchema string
}

// New realizes the actual backend. It creates the sql tables (if they do
// not exist), seeds the default admin user and adds all routes to the
// router.
func New(bb *Builder) (*Backend, error) {
	if bb.DB == nil {
		return nil, fmt.Errorf("DB is missing")
	}
	if bb.Router == nil {
		return nil, fmt.Errorf("Router is missing")
	}
	if bb.AdminPassword == "" {
		return nil, fmt.Errorf("AdminPassword is missing")
	}

	b := &Backend{
		db:     bb.DB,
		router: bb.Router,
	}

	if len(bb.SettingsSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(bb.SettingsSchema))
		if err != nil {
			return nil, fmt.Errorf("invalid settings schema: %w", err)
		}
		b.settingsSchema = schema
	}

	if err := b.createTables(); err != nil {
		return nil, err
	}
	if err := b.ensureAdmin(bb.AdminPassword); err != nil {
		return nil, err
	}

	logger.AddRequestID(b.router)
	b.handleCORS()
	b.handleRegistrationRoutes(b.router)
	b.handleSettingsRoutes(b.router)
	b.handleUserRoutes(b.router)
	return b, nil
}

// MustNew is like New but panics on failure.
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Backend) createTables() error {
	schema := b.db.Schema
	createQuery := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s."registrations"
(id serial PRIMARY KEY,
name varchar NOT NULL,
company varchar,
phone varchar,
group_name varchar,
day varchar,
date varchar,
time varchar,
paid boolean NOT NULL DEFAULT false,
review varchar,
revised boolean NOT NULL DEFAULT false,
created_at timestamptz NOT NULL DEFAULT now(),
updated_at timestamptz
);
CREATE TABLE IF NOT EXISTS %[1]s."settings"
(id integer PRIMARY KEY,
data jsonb NOT NULL DEFAULT '{}'::jsonb,
updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[1]s."users"
(id serial PRIMARY KEY,
username varchar NOT NULL UNIQUE,
password varchar NOT NULL,
role varchar NOT NULL DEFAULT 'user',
created_at timestamptz NOT NULL DEFAULT now(),
updated_at timestamptz
);`, schema)
	_, err := b.db.Exec(createQuery)
	return err
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.Marshal(object)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// storageFault logs the full database error with the request logger and
// answers with a generic message only, so no raw database error text
// reaches the client.
func storageFault(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).WithError(err).Errorln("database error for", r.URL, r.Method)
	http.Error(w, "database error", http.StatusInternalServerError)
}

// writeMutatorError maps mutator errors to status codes. Unknown errors
// are storage faults.
func (b *Backend) writeMutatorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isOneOf(err, ErrMissingKey, ErrEmptyPatch, ErrInvalidColumn, ErrInvalidTable):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case isOneOf(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		storageFault(w, r, err)
	}
}

func isOneOf(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
