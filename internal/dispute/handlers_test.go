package dispute

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/validation"
)

func newRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware("adm-secret"))
	NewHandler(f.svc).RegisterRoutes(v1)
	return r, f
}

func postJSON(r *gin.Engine, path, body, userID string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, userID)
	r.ServeHTTP(w, req)
	return w
}

func TestOpenHandlerSanitizesReasonAndEvidence(t *testing.T) {
	r, f := newRouter(t)
	p := f.order(t)

	longEvidence := strings.Repeat("x", validation.MaxStringLength+500)
	body, err := json.Marshal(map[string]string{
		"reason":   "  scam\x00 report  ",
		"evidence": longEvidence,
	})
	require.NoError(t, err)

	w := postJSON(r, "/v1/payments/"+p.ID+"/dispute", string(body), "buyer1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var d Dispute
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "scam report", d.Reason)
	assert.Len(t, d.Evidence, validation.MaxStringLength)
}

func TestPostMessageHandlerRejectsOversizedBody(t *testing.T) {
	r, f := newRouter(t)
	p := f.order(t)

	w := postJSON(r, "/v1/payments/"+p.ID+"/dispute", `{"reason":"scam"}`, "buyer1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d Dispute
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))

	huge, err := json.Marshal(map[string]string{
		"body": strings.Repeat("y", validation.MaxStringLength+1),
	})
	require.NoError(t, err)
	w = postJSON(r, "/v1/disputes/"+d.ID+"/messages", string(huge), "buyer1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "body")

	w = postJSON(r, "/v1/disputes/"+d.ID+"/messages", `{"body":"   "}`, "buyer1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
