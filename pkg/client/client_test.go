package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/k4d/pkg/protocol"
)

func TestAPIClient(t *testing.T) {
	var lastBody map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.Status{ActiveRadio: "a", Version: "test"})
	})
	mux.HandleFunc("/api/v1/radios", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&lastBody)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(protocol.RadioConfig{ID: "new", Name: "Shack"})
			return
		}
		json.NewEncoder(w).Encode(RadioList{Radios: []protocol.RadioConfig{{ID: "a"}}, Count: 1, ActiveID: "a"})
	})
	mux.HandleFunc("/api/v1/radios/a", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"config invariant violation: cannot delete the only configured radio"}`))
	})
	mux.HandleFunc("/api/v1/cat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"sent","command":"FA;"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewAPIClient(server.URL)

	t.Run("Status", func(t *testing.T) {
		st, err := c.GetStatus()
		require.NoError(t, err)
		assert.Equal(t, "a", st.ActiveRadio)
	})

	t.Run("Radios", func(t *testing.T) {
		list, err := c.ListRadios()
		require.NoError(t, err)
		assert.Equal(t, 1, list.Count)
		assert.Equal(t, "a", list.ActiveID)
	})

	t.Run("Add Omits Empty Password", func(t *testing.T) {
		rc, err := c.AddRadio(protocol.RadioConfig{Name: "Shack", Host: "10.0.0.1", Enabled: true})
		require.NoError(t, err)
		assert.Equal(t, "new", rc.ID)
		_, ok := lastBody["password"]
		assert.False(t, ok)
	})

	t.Run("API Error", func(t *testing.T) {
		err := c.RemoveRadio("a")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), "Expected APIError, got %v", err)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, "only configured radio")
	})

	t.Run("CAT", func(t *testing.T) {
		sent, err := c.SendCAT("fa;")
		require.NoError(t, err)
		assert.Equal(t, "FA;", sent)
	})
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	c := NewAPIClient("localhost:8000/")
	if c.baseURL != "http://localhost:8000/api/v1" {
		t.Errorf("Expected http://localhost:8000/api/v1, got %s", c.baseURL)
	}
}
