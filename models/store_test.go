package models

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"slides2video/config"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	db, err := OpenDB(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "models.db"),
	}, log)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestProject(t *testing.T, db *gorm.DB) *Project {
	t.Helper()
	p := NewProject("owner", "")
	require.NoError(t, CreateProject(db, &p))
	return &p
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	_, err := OpenDB(config.DatabaseConfig{Driver: "postgres"}, log)
	assert.Error(t, err)
}

func TestProjectCompareAndSwap(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)
	assert.Equal(t, DefaultProjectName, p.Name)

	ok, err := UpdateProjectFields(db, p.ID, StatusRunning, map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not match")

	ok, err = UpdateProjectFields(db, p.ID, StatusCreated, map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = StartConcat(db, p.ID, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = StartConcat(db, p.ID, "job-2")
	require.NoError(t, err)
	assert.False(t, ok, "only one concatenation may hold the project")

	// 拼接期间可以改名但不能改状态
	ok, err = UpdateProjectFields(db, p.ID, StatusRunning, map[string]interface{}{"status": StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = UpdateProjectFields(db, p.ID, StatusRunning, map[string]interface{}{"name": "y"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CompleteProject(db, p.ID, "job-2", "output/wrong.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = CompleteProject(db, p.ID, "job-1", "output/final.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := GetProject(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "output/final.mp4", got.VideoOutputID)
	assert.Empty(t, got.ConcatJobID)
	assert.Equal(t, "y", got.Name)

	ok, err = StartConcat(db, p.ID, "job-3")
	require.NoError(t, err)
	assert.False(t, ok, "completed projects are never concatenated again")
}

func TestFailProjectReleasesSlot(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)

	ok, err := StartConcat(db, p.ID, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, FailProject(db, p.ID, "job-1", "boom"))

	got, err := GetProject(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.ConcatJobID)

	ok, err = StartConcat(db, p.ID, "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = GetProject(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Empty(t, got.Error)
}

func TestSegmentLifecycle(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)

	s := NewVideoSegment(p.ID, "images/a.png", 3)
	require.NoError(t, CreateVideoSegment(db, &s))
	dup := NewVideoSegment(p.ID, "images/b.png", 3)
	assert.ErrorIs(t, CreateVideoSegment(db, &dup), ErrOrderTaken)

	// 其他项目可以使用相同的 order
	other := newTestProject(t, db)
	same := NewVideoSegment(other.ID, "images/b.png", 3)
	require.NoError(t, CreateVideoSegment(db, &same))

	ok, err := UpdateCreatedSegment(db, s.ID, map[string]interface{}{"script": "hi"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = StartSegment(db, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = StartSegment(db, s.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a running segment cannot be started twice")

	ok, err = UpdateCreatedSegment(db, s.ID, map[string]interface{}{"script": "late"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, FailSegment(db, s.ID, "ffmpeg crashed"))
	ok, err = StartSegment(db, s.ID)
	require.NoError(t, err)
	assert.True(t, ok, "failed segments can be retried")

	ok, err = CompleteSegment(db, s.ID, "videos/"+s.ID+".mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := GetVideoSegment(db, p.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "hi", got.Script)
	assert.Empty(t, got.Error)
	assert.Equal(t, "videos/"+s.ID+".mp4", got.VideoFile)

	_, err = GetVideoSegment(db, other.ID, s.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCompletePDFSlideImages(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)

	manual := NewVideoSegment(p.ID, "images/manual.png", 5)
	require.NoError(t, CreateVideoSegment(db, &manual))

	item := NewPDFSlideImages(p.ID, "deck.pdf", 2)
	require.NoError(t, CreatePDFSlideImages(db, &item))
	assert.Equal(t, fmt.Sprintf("pdf/%s.pdf", item.ID), item.PDFFile)

	assets := []SlideAsset{{ImageID: "images/x-001.png", Order: 1}, {ImageID: "images/x-002.png", Order: 2}}
	_, err := CompletePDFSlideImages(db, item.ID, assets)
	assert.Error(t, err, "items must be running before they complete")

	ok, err := TransitionPDFSlideImages(db, item.ID, []Status{StatusCreated}, StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	segments, err := CompletePDFSlideImages(db, item.ID, assets)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 6, segments[0].Order)
	assert.Equal(t, 7, segments[1].Order)

	require.NoError(t, LoadProjectChildren(db, p))
	require.Len(t, p.PDFSlideImages, 1)
	assert.Equal(t, StatusCompleted, p.PDFSlideImages[0].Status)
	require.Len(t, p.PDFSlideImages[0].SlideAssets, 2)
	require.Len(t, p.VideoSegments, 3)
	assert.Equal(t, []string{"images/manual.png", "images/x-001.png", "images/x-002.png"},
		[]string{p.VideoSegments[0].ImageID, p.VideoSegments[1].ImageID, p.VideoSegments[2].ImageID})

	require.NoError(t, UpdateSlideAssetText(db, item.ID, "images/x-002.png", "closing"))
	require.NoError(t, UpdateSlideAssetText(db, item.ID, "images/x-002.png", "closing"))
	assert.ErrorIs(t, UpdateSlideAssetText(db, item.ID, "images/nope.png", "x"), ErrUnknownSlideAsset)

	got, err := GetPDFSlideImages(db, p.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "closing", got.SlideAssets[1].Text)

	// 终态的切图任务不会被标记失败
	require.NoError(t, FailPDFSlideImages(db, item.ID, "late failure"))
	got, err = GetPDFSlideImages(db, p.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestClaimIdemKey(t *testing.T) {
	db := openTestDB(t)

	ok, err := ClaimIdemKey(db, "p1", "project:p1", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ClaimIdemKey(db, "p1", "project:p1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = ClaimIdemKey(db, "p1", "videosegment:s1", "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteProjectRemovesChildren(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)
	s := NewVideoSegment(p.ID, "images/a.png", 1)
	require.NoError(t, CreateVideoSegment(db, &s))
	task := NewTask(p.ID, s.ID, TaskTypeSegmentRender, TaskParameters{Script: "hi"})
	require.NoError(t, CreateTask(db, &task))
	_, err := ClaimIdemKey(db, p.ID, "project:"+p.ID, "k")
	require.NoError(t, err)

	require.NoError(t, DeleteProject(db, p.ID))
	_, err = GetProject(db, p.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	tasks, err := ListTasksByProject(db, p.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// 删除后同一个键可以重新使用
	ok, err := ClaimIdemKey(db, p.ID, "project:"+p.ID, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskParametersRoundTrip(t *testing.T) {
	db := openTestDB(t)
	task := NewTask("p1", "item", TaskTypePDFSplit, TaskParameters{Filename: "deck.pdf", PageCount: 4})
	require.NoError(t, CreateTask(db, &task))

	require.NoError(t, UpdateTaskStatus(db, task.ID, StatusRunning, ""))
	require.NoError(t, UpdateTaskStatus(db, task.ID, StatusFailed, "no pages"))

	got, err := GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "deck.pdf", got.Parameters.Filename)
	assert.Equal(t, 4, got.Parameters.PageCount)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "no pages", got.Error)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestUsers(t *testing.T) {
	db := openTestDB(t)
	u := NewUser("a@example.com", "hash")
	require.NoError(t, CreateUser(db, &u))
	dup := NewUser("a@example.com", "hash")
	assert.ErrorIs(t, CreateUser(db, &dup), gorm.ErrDuplicatedKey)

	n, err := CountUsersByEmail(db, "a@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := GetUserByEmail(db, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestConcurrentIngestionsGetDistinctOrders(t *testing.T) {
	db := openTestDB(t)
	p := newTestProject(t, db)

	items := make([]PDFSlideImages, 3)
	for i := range items {
		items[i] = NewPDFSlideImages(p.ID, fmt.Sprintf("deck-%d.pdf", i), 2)
		require.NoError(t, CreatePDFSlideImages(db, &items[i]))
		ok, err := TransitionPDFSlideImages(db, items[i].ID, []Status{StatusCreated}, StatusRunning)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(items))
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prefix := fmt.Sprintf("images/%s", items[i].ID)
			_, errs[i] = CompletePDFSlideImages(db, items[i].ID, []SlideAsset{
				{ImageID: prefix + "-001.png", Order: 1},
				{ImageID: prefix + "-002.png", Order: 2},
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	segments, err := ListVideoSegments(db, p.ID)
	require.NoError(t, err)
	require.Len(t, segments, 6)
	seen := map[int]bool{}
	for _, s := range segments {
		assert.False(t, seen[s.Order], "order %d assigned twice", s.Order)
		seen[s.Order] = true
	}
	for order := 1; order <= 6; order++ {
		assert.True(t, seen[order], "order %d missing", order)
	}
}

func TestProjectLockUsesRowLockOnMySQL(t *testing.T) {
	mysqlDB, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/slides2video",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	stmt := mysqlDB.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var p Project
		return projectLock(tx).Take(&p, "id = ?", "p1")
	})
	assert.Contains(t, stmt, "FOR UPDATE")

	sqliteDB := openTestDB(t)
	stmt = sqliteDB.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var p Project
		return projectLock(tx).Take(&p, "id = ?", "p1")
	})
	assert.NotContains(t, stmt, "FOR UPDATE")

	assert.ErrorIs(t, lockProject(sqliteDB, "missing"), gorm.ErrRecordNotFound)
}
