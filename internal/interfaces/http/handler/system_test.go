package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/saasbill/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveSystem(t *testing.T, handle gin.HandlerFunc, path string) map[string]interface{} {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, path, nil)
	handle(c)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	return data
}

func TestSystemHandler_GetSystemInfo(t *testing.T) {
	h := NewSystemHandler()
	require.False(t, h.startTime.IsZero())

	data := serveSystem(t, h.GetSystemInfo, "/system/info")

	assert.Equal(t, "SaaSBill Backend API", data["name"])
	assert.Equal(t, "1.0.0", data["version"])
	assert.NotEmpty(t, data["go_version"])
	assert.NotEmpty(t, data["uptime"])
}

func TestSystemHandler_Ping(t *testing.T) {
	data := serveSystem(t, NewSystemHandler().Ping, "/system/ping")

	assert.Equal(t, "pong", data["message"])

	timestamp, ok := data["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, timestamp)
	assert.NoError(t, err)
}
