package backend

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/regadmin/core/csql"
	"github.com/relabs-tech/regadmin/core/logger"
)

// uniqueViolation is the postgres error code for a unique constraint hit
const uniqueViolation = "23505"

func validRole(role string) bool {
	return role == "admin" || role == "user"
}

// The password column never appears in a response. The users table's
// returning list omits it, and the login check only ever compares the
// bcrypt hash server-side.
func (b *Backend) handleUserRoutes(router *mux.Router) {
	schema := b.db.Schema
	t := &usersTable

	listQuery := "SELECT " + t.returningList() + fmt.Sprintf(" FROM %s.\"users\" ORDER BY id DESC;", schema)
	lookupQuery := "SELECT " + t.returningList() + fmt.Sprintf(" FROM %s.\"users\" WHERE username = $1;", schema)
	loginQuery := "SELECT password, " + t.returningList() + fmt.Sprintf(" FROM %s.\"users\" WHERE username = $1;", schema)
	insertQuery := fmt.Sprintf(`INSERT INTO %s."users" (username, password, role, created_at)
VALUES ($1, $2, $3, now())
RETURNING `, schema) + t.returningList() + ";"
	deleteQuery := fmt.Sprintf("DELETE FROM %s.\"users\" WHERE id = $1;", schema)

	// LIST, or lookup a single user by username
	router.Handle("/users", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		if username := r.URL.Query().Get("username"); username != "" {
			values, object := t.createScanValuesAndObject()
			err := b.db.QueryRowContext(r.Context(), lookupQuery, username).Scan(values...)
			if err == csql.ErrNoRows {
				writeJSON(w, http.StatusOK, nil)
				return
			}
			if err != nil {
				storageFault(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, object())
			return
		}

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
	router.Handle("/users", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var userJSON struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&userJSON); err != nil {
			http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
			return
		}
		if userJSON.Username == "" || userJSON.Password == "" || userJSON.Role == "" {
			http.Error(w, "username, password and role are required", http.StatusBadRequest)
			return
		}
		if !validRole(userJSON.Role) {
			http.Error(w, "role must be admin or user", http.StatusBadRequest)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(userJSON.Password), bcrypt.DefaultCost)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		values, object := t.createScanValuesAndObject()
		err = b.db.QueryRowContext(r.Context(), insertQuery, userJSON.Username, string(hash), userJSON.Role).Scan(values...)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				http.Error(w, "username already exists", http.StatusConflict)
				return
			}
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, object())
	}))).Methods(http.MethodOptions, http.MethodPost)

	// LOGIN, the only place the stored password hash is ever compared
	router.Handle("/users/login", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var loginJSON struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&loginJSON); err != nil {
			http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
			return
		}
		if loginJSON.Username == "" || loginJSON.Password == "" {
			http.Error(w, "username and password are required", http.StatusBadRequest)
			return
		}
		var hash string
		values, object := t.createScanValuesAndObject()
		err := b.db.QueryRowContext(r.Context(), loginQuery, loginJSON.Username).
			Scan(append([]interface{}{&hash}, values...)...)
		if err == csql.ErrNoRows {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if err != nil {
			storageFault(w, r, err)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(loginJSON.Password)) != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, object())
	}))).Methods(http.MethodOptions, http.MethodPost)

	// UPDATE through the mutator; a password in the patch is re-hashed
	router.Handle("/users/{id}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		var bodyJSON map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&bodyJSON); err != nil {
			http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
			return
		}
		if value, ok := bodyJSON["password"]; ok {
			password, ok := value.(string)
			if !ok || password == "" {
				http.Error(w, "password must be a non-empty string", http.StatusBadRequest)
				return
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			bodyJSON["password"] = string(hash)
		}
		if value, ok := bodyJSON["role"]; ok {
			role, ok := value.(string)
			if !ok || !validRole(role) {
				http.Error(w, "role must be admin or user", http.StatusBadRequest)
				return
			}
		}
		row, err := b.update(r.Context(), "users", mux.Vars(r)["id"], bodyJSON)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				http.Error(w, "username already exists", http.StatusConflict)
				return
			}
			b.writeMutatorError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}))).Methods(http.MethodOptions, http.MethodPut, http.MethodPatch)

	// DELETE
	router.Handle("/users/{id}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)

		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, ErrMissingKey.Error(), http.StatusBadRequest)
			return
		}
		res, err := b.db.ExecContext(r.Context(), deleteQuery, id)
		if err != nil {
			storageFault(w, r, err)
			return
		}
		count, err := res.RowsAffected()
		if err != nil {
			storageFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": count > 0})
	}))).Methods(http.MethodOptions, http.MethodDelete)
}
