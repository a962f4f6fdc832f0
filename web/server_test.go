package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"appointments/scheduler"
)

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.GormStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "web.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Migrate(db))
	store := scheduler.NewGormStore(db)
	srv := NewAdminServer(store, scheduler.NewEvaluator(time.UTC, 0), zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

type response struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Count int             `json:"count"`
	Data  json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func validTask() map[string]interface{} {
	return map[string]interface{}{
		"name":           "daily standup",
		"schedule":       "0 0 9 * * 1-5",
		"enabled":        true,
		"recipient_type": "MESSAGE",
		"recipients":     []string{"6281"},
		"message":        "standup in 5 minutes",
		"retries":        2,
		"timeout_ms":     5000,
	}
}

func TestCreateAndListTasks(t *testing.T) {
	ts, _ := newTestServer(t)

	status, resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", validTask())
	require.Equal(t, http.StatusCreated, status, resp.Msg)
	var created taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "PENDING", created.LastStatus)
	assert.Equal(t, int64(5000), created.TimeoutMillis)

	status, resp = doJSON(t, http.MethodGet, ts.URL+"/api/tasks", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, resp.Count)
	var list []taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "daily standup", list[0].Name)
	assert.Equal(t, []string{"6281"}, list[0].Recipients)
}

func TestCreateTaskValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	bad := validTask()
	bad["schedule"] = "@every 5m"
	status, resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", bad)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1, resp.Code)
	assert.Contains(t, resp.Msg, "invalid schedule")

	bad = validTask()
	bad["recipient_type"] = "API"
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/tasks", bad)
	assert.Equal(t, http.StatusBadRequest, status)

	bad = validTask()
	bad["name"] = "  "
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/tasks", bad)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateTaskVersioning(t *testing.T) {
	ts, store := newTestServer(t)
	_, resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", validTask())
	var created taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	url := fmt.Sprintf("%s/api/tasks/%d", ts.URL, created.ID)

	update := validTask()
	update["message"] = "standup now"
	update["version"] = created.Version
	status, resp := doJSON(t, http.MethodPut, url, update)
	require.Equal(t, http.StatusOK, status, resp.Msg)
	var updated taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &updated))
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "standup now", updated.Message)

	status, _ = doJSON(t, http.MethodPut, url, update)
	assert.Equal(t, http.StatusConflict, status)

	delete(update, "version")
	status, _ = doJSON(t, http.MethodPut, url, update)
	assert.Equal(t, http.StatusBadRequest, status)

	update["version"] = 2
	status, _ = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/tasks/%d", ts.URL, created.ID+100), update)
	assert.Equal(t, http.StatusNotFound, status)

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "standup now", got.Message)
}

func TestUpdateKeepsExecutionState(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()
	_, resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", validTask())
	var created taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	task, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	last := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	task.LastExecution = &last
	task.LastStatus = scheduler.StatusSuccess
	task, err = store.CompareAndSwap(ctx, task)
	require.NoError(t, err)

	update := validTask()
	update["enabled"] = false
	update["version"] = task.Version
	status, _ := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/tasks/%d", ts.URL, created.ID), update)
	require.Equal(t, http.StatusOK, status)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, scheduler.StatusSuccess, got.LastStatus)
	require.NotNil(t, got.LastExecution)
	assert.True(t, got.LastExecution.Equal(last))
}

func TestListExecutions(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()
	_, resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", validTask())
	var created taskEntry
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		slot := base.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, store.AppendExecution(ctx, scheduler.Execution{
			ID:          fmt.Sprintf("exec-%d", i),
			TaskID:      created.ID,
			ScheduledAt: slot,
			ExecutedAt:  slot,
			Status:      scheduler.StatusSuccess,
			Attempts:    1,
		}))
	}

	status, resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/tasks/%d/executions?limit=2", ts.URL, created.ID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, resp.Count)
	var execs []executionEntry
	require.NoError(t, json.Unmarshal(resp.Data, &execs))
	require.Len(t, execs, 2)
	assert.Equal(t, "exec-2", execs[0].ID)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/abc/executions", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
