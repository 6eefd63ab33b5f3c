package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankensim/frankenrouter/pkg/router"
)

type fakeControl struct {
	clients      []router.ClientInfo
	upstreamHost string
	upstreamPort int
	setErr       error
}

func (f *fakeControl) Clients() []router.ClientInfo { return f.clients }
func (f *fakeControl) UUID() string                 { return "test-uuid" }
func (f *fakeControl) SetUpstream(host string, port int) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.upstreamHost = host
	f.upstreamPort = port
	return nil
}

func TestHealth(t *testing.T) {
	h := newRouter(&fakeControl{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test-uuid", resp.UUID)
}

func TestClients(t *testing.T) {
	ctrl := &fakeControl{clients: []router.ClientInfo{
		{ID: 1, IP: "192.168.1.50", Port: 51234, DisplayName: "PSX Sounds", Access: "full"},
		{ID: 2, IP: "192.168.1.60", Port: 51300, DisplayName: "BACARS", Access: "observer"},
	}}
	h := newRouter(ctrl)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clients", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var infos []router.ClientInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "PSX Sounds", infos[0].DisplayName)
	assert.Equal(t, uint16(51300), infos[1].Port)
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSetUpstream(t *testing.T) {
	ctrl := &fakeControl{}
	h := newRouter(ctrl)

	rec := postForm(h, "/upstream/set", url.Values{"host": {"10.0.0.9"}, "port": {"10747"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "10.0.0.9", ctrl.upstreamHost)
	assert.Equal(t, 10747, ctrl.upstreamPort)
}

func TestSetUpstreamValidation(t *testing.T) {
	h := newRouter(&fakeControl{})

	rec := postForm(h, "/upstream/set", url.Values{"host": {"10.0.0.9"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postForm(h, "/upstream/set", url.Values{"port": {"10747"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postForm(h, "/upstream/set", url.Values{"host": {"10.0.0.9"}, "port": {"notaport"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
