package client

import (
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestClientInProcess(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":2}`))
	}).Methods(http.MethodPost)

	client := NewWithRouter(router)

	var list []map[string]interface{}
	status, err := client.RawGet("/things", &list)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	var created map[string]interface{}
	status, err = client.RawPost("/things", map[string]interface{}{"name": "x"}, &created)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(2), created["id"])

	// a wrong status is flagged as error and the body ends up in the message
	status, err = client.RawPut("/things", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
