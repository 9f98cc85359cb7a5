package backend

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/regadmin/core/csql"
	"github.com/relabs-tech/regadmin/core/logger"
)

// The settings table is a singleton: exactly one logical row with the fixed
// id 1. Writes are upserts on that key, a second row can never appear.
const settingsSingletonID = 1

func (b *Backend) handleSettingsRoutes(router *mux.Router) {
	schema := b.db.Schema
	t := &settingsTable

	readQuery := fmt.Sprintf("SELECT data FROM %s.\"settings\" WHERE id = $1;", schema)
	upsertQuery := fmt.Sprintf(`INSERT INTO %s."settings" (id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET data = $2, updated_at = now()
RETURNING `, schema) + t.returningList() + ";"

	// READ returns the stored blob itself, not the row
	router.Handle("/settings", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var data json.RawMessage
		err := b.db.QueryRowContext(r.Context(), readQuery, settingsSingletonID).Scan(&data)
		if err == csql.ErrNoRows {
			// not an error, the singleton conceptually always exists
			writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		if err != nil {
			storageFault(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))).Methods(http.MethodOptions, http.MethodGet)

	// CREATE - UPDATE, upsert by the fixed key
	router.Handle("/settings", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		body, err := b.validatedSettingsBlob(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		values, object := t.createScanValuesAndObject()
		if err := b.db.QueryRowContext(r.Context(), upsertQuery, settingsSingletonID, body).Scan(values...); err != nil {
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, object())
	}))).Methods(http.MethodOptions, http.MethodPost, http.MethodPut)

	// PATCH replaces the blob through the mutator; unlike PUT it reports
	// 404 when nothing has been stored yet
	router.Handle("/settings", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		body, err := b.validatedSettingsBlob(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var blob interface{}
		json.Unmarshal(body, &blob)
		row, err := b.update(r.Context(), "settings", "1", map[string]interface{}{"data": blob})
		if err != nil {
			b.writeMutatorError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}))).Methods(http.MethodOptions, http.MethodPatch)
}

// validatedSettingsBlob reads the request body, requires well-formed JSON
// and - when the backend carries a settings schema - validates the blob
// against it.
func (b *Backend) validatedSettingsBlob(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read body: %s", err.Error())
	}
	var blob interface{}
	if err := json.Unmarshal(body, &blob); err != nil {
		return nil, fmt.Errorf("invalid json data: %s", err.Error())
	}
	if blob == nil {
		// null would end up as SQL NULL in the data column
		return nil, fmt.Errorf("invalid json data: null is not a settings value")
	}
	if b.settingsSchema != nil {
		result, err := b.settingsSchema.Validate(gojsonschema.NewBytesLoader(body))
		if err != nil {
			return nil, fmt.Errorf("invalid json data: %s", err.Error())
		}
		if !result.Valid() {
			return nil, fmt.Errorf("settings do not follow the schema: %s", result.Errors()[0].String())
		}
	}
	return body, nil
}
