package testutil

import (
	"path/filepath"
	"testing"

	"slides2video/config"
	"slides2video/models"
	"slides2video/service"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const Secret = "test-secret"

// Env wires the real manager and processor to SQLite, a local blob
// directory, an inline queue and fake media tools.
type Env struct {
	DB         *gorm.DB
	Log        *logrus.Logger
	LogHook    *logtest.Hook
	Blobs      *service.LocalStore
	Queue      *service.InlineQueue
	Hub        *service.Hub
	Rasterizer *FakeRasterizer
	Renderer   *FakeRenderer
	Concater   *FakeConcater
	Processor  *service.Processor
	Manager    *service.Manager
	Auth       *service.Authenticator
}

// NewDB opens a migrated SQLite database in a temporary directory.
func NewDB(t testing.TB, log *logrus.Logger) *gorm.DB {
	t.Helper()
	db, err := models.OpenDB(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, log)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func NewEnv(t testing.TB) *Env {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	blobs, err := service.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return newEnv(t, log, hook, NewDB(t, log), blobs)
}

// Restart builds a second Env over the same database and blob directory, the
// way a new process would find them after the old one went away.
func (e *Env) Restart(t testing.TB) *Env {
	t.Helper()
	return newEnv(t, e.Log, e.LogHook, e.DB, e.Blobs)
}

func newEnv(t testing.TB, log *logrus.Logger, hook *logtest.Hook, db *gorm.DB, blobs *service.LocalStore) *Env {
	e := &Env{
		Log:        log,
		LogHook:    hook,
		DB:         db,
		Blobs:      blobs,
		Hub:        service.NewHub(),
		Rasterizer: &FakeRasterizer{},
		Renderer:   &FakeRenderer{},
		Concater:   &FakeConcater{},
	}
	e.Processor = &service.Processor{
		DB:         e.DB,
		Blobs:      e.Blobs,
		Rasterizer: e.Rasterizer,
		Renderer:   e.Renderer,
		Concater:   e.Concater,
		Hub:        e.Hub,
		Log:        log,
	}
	e.Queue = service.NewInlineQueue(log)
	e.Queue.Handle(e.Processor.Mux())
	e.Queue.HandleError(asynq.ErrorHandlerFunc(e.Processor.HandleError))
	t.Cleanup(e.Queue.Wait)

	e.Manager = &service.Manager{
		DB:        e.DB,
		Queue:     e.Queue,
		Blobs:     e.Blobs,
		Inspector: FakeInspector{},
		Hub:       e.Hub,
		Log:       log,
	}
	e.Auth = service.NewAuthenticator(e.DB, config.AuthConfig{
		Secret:      Secret,
		Issuer:      "slides2video",
		ExpiryHours: 1,
	})
	return e
}
