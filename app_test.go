package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"slides2video/config"
	"slides2video/models"
	"slides2video/routers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Auth.Secret = "s3cret"
	cfg.Database.DSN = filepath.Join(dir, "app.db")
	cfg.Storage.LocalDir = filepath.Join(dir, "blobs")
	cfg.Log.Level = "error"
	return cfg
}

func TestNewAppInline(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	h := a.handler()
	assert.EqualValues(t, 32<<20, h.MaxUpload)
	assert.Equal(t, "slides2video_session", h.CookieName)
	assert.NotNil(t, a.processor.Metrics)
	assert.DirExists(t, cfg.Storage.LocalDir)

	srv := httptest.NewServer(routers.InitRouter(h, cfg.Server, a.registry))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppResumesUnfinishedTasks(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, models.Migrate(a.db))

	// 上次退出时留下的任务，目标已经不存在
	task := models.NewTask("gone", "gone", models.TaskTypePDFSplit, models.TaskParameters{Filename: "deck.pdf"})
	require.NoError(t, models.CreateTask(a.db, &task))

	require.NoError(t, a.resume(context.Background()))
	a.inline.Wait()
	got, err := models.GetTask(a.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "not found")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	log, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "debug", log.GetLevel().String())
}

func TestMigrateCommand(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("database:\n  driver: sqlite\n  dsn: %q\nauth:\n  secret: s3cret\nlog:\n  level: error\n", cfg.Database.DSN)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, cfg.Database.DSN)
}

func TestWorkerNeedsAsynq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: s3cret\nqueue:\n  mode: inline\n"), 0o644))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"worker", "-c", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asynq")
}
