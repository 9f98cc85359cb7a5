package backend

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/relabs-tech/regadmin/core/logger"
)

func (b *Backend) handleRegistrationRoutes(router *mux.Router) {
	schema := b.db.Schema
	t := &registrationsTable

	listQuery := "SELECT " + t.returningList() + fmt.Sprintf(" FROM %s.\"registrations\" ORDER BY id DESC;", schema)
	deleteQuery := fmt.Sprintf("DELETE FROM %s.\"registrations\" ", schema)

	// LIST
	router.Handle("/registrations", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		rows, err := b.db.QueryContext(r.Context(), listQuery)
		if err != nil {
			storageFault(w, r, err)
			return
		}
		defer rows.Close()
		response := []map[string]interface{}{}
		for rows.Next() {
			values, object := t.createScanValuesAndObject()
			if err := rows.Scan(values...); err != nil {
				storageFault(w, r, err)
				return
			}
			response = append(response, object())
		}
		if err := rows.Err(); err != nil {
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
	}))).Methods(http.MethodOptions, http.MethodGet)

	// CREATE
	router.Handle("/registrations", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var bodyJSON map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&bodyJSON); err != nil {
			http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
			return
		}
		if name, _ := bodyJSON["name"].(string); name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		query, args, err := buildInsert(schema, t, bodyJSON)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		values, object := t.createScanValuesAndObject()
		if err := b.db.QueryRowContext(r.Context(), query, args...).Scan(values...); err != nil {
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, object())
	}))).Methods(http.MethodOptions, http.MethodPost)

	// UPDATE through the mutator
	router.Handle("/registrations/{id}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var bodyJSON map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&bodyJSON); err != nil {
			http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
			return
		}
		row, err := b.update(r.Context(), "registrations", mux.Vars(r)["id"], bodyJSON)
		if err != nil {
			b.writeMutatorError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}))).Methods(http.MethodOptions, http.MethodPut, http.MethodPatch)

	// DELETE one, several, or - with explicit confirmation - all.
	// A missing body or an empty ids list used to clear the whole table,
	// which is far too easy to trigger by accident. Clearing now requires
	// {"all": true}.
	router.Handle("/registrations", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var body struct {
			IDs json.RawMessage `json:"ids"`
			All bool            `json:"all"`
		}
		raw, _ := io.ReadAll(r.Body)
		if len(strings.TrimSpace(string(raw))) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		ids, err := parseIDs(body.IDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var res sql.Result
		switch {
		case body.All:
			res, err = b.db.ExecContext(r.Context(), deleteQuery+";")
		case len(ids) > 0:
			res, err = b.db.ExecContext(r.Context(), deleteQuery+"WHERE id = ANY($1);", pq.Array(ids))
		default:
			http.Error(w, "ids are required; pass {\"all\": true} to delete all registrations", http.StatusBadRequest)
			return
		}
		if err != nil {
			storageFault(w, r, err)
			return
		}
		count, err := res.RowsAffected()
		if err != nil {
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": count})
	}))).Methods(http.MethodOptions, http.MethodDelete)
}

// parseIDs accepts {"ids":[1,2]}, {"ids":["1","2"]} and the scalar forms
// {"ids":7} / {"ids":"7"}.
func parseIDs(raw json.RawMessage) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("invalid ids: %s", err.Error())
	}
	switch v := generic.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		ids := make([]int64, 0, len(v))
		for _, e := range v {
			id, err := parseID(e)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		id, err := parseID(generic)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
}

func parseID(value interface{}) (int64, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("invalid id: %v", value)
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid id: %s", v)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("invalid id: %v", value)
	}
}
