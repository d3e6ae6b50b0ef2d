package network

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AdminLinks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(mustLink(t, "aa:bb:cc:dd:ee:02", "10.0.0.6")))
	require.NoError(t, r.Add(mustLink(t, "aa:bb:cc:dd:ee:01", "10.0.0.5")))

	mux := http.NewServeMux()
	r.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/links", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []LinkView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", got[0].HWAddress)
	assert.Equal(t, "10.0.0.5", got[0].Address)
	assert.Equal(t, "unsubscribed", got[0].State)
	assert.Nil(t, got[0].Calibration)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", got[1].HWAddress)
}
