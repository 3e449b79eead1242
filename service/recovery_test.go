package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"slides2video/models"
	"slides2video/service"
	"slides2video/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeRenderAfterRestart(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p := ingested(t, e, 1)
	setScripts(t, e, p, "hello")
	seg := p.VideoSegments[0]

	gate := make(chan struct{})
	e.Renderer.Gate = gate
	t.Cleanup(func() { close(gate) })

	_, err := e.Manager.GenerateSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Renderer.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// 旧进程停在渲染中途，新进程接管同一个库
	r := e.Restart(t)
	got, err := r.Manager.GenerateSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	_, err = r.Manager.Concat(ctx, owner, p.ID)
	assert.ErrorIs(t, err, service.ErrConflict)

	n, err := r.Processor.Resume(ctx, r.Queue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	r.Queue.Wait()
	assert.Equal(t, 1, r.Renderer.Calls())

	got, err = r.Manager.GetSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = r.Manager.Concat(ctx, owner, p.ID)
	require.NoError(t, err)
	r.Queue.Wait()
	done := reload(t, e, p.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)

	unfinished, err := models.ListUnfinishedTasks(e.DB)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestResumeConcatAfterRestart(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p := ingested(t, e, 2)
	setScripts(t, e, p, "hello")
	generateAll(t, e, p)

	gate := make(chan struct{})
	e.Concater.Gate = gate
	t.Cleanup(func() { close(gate) })

	_, err := e.Manager.Concat(ctx, owner, p.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Concater.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	r := e.Restart(t)
	held, err := r.Manager.Concat(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, held.ConcatJobID, "the old job still holds the slot")

	n, err := r.Processor.Resume(ctx, r.Queue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	r.Queue.Wait()

	done := reload(t, r, p.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Empty(t, done.ConcatJobID)
	v, err := r.Manager.Video(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "mp4[png-page-1]|mp4[png-page-2]", string(v.Data))
}

func TestResumeNothingPending(t *testing.T) {
	e := testutil.NewEnv(t)
	p := ingested(t, e, 1)
	setScripts(t, e, p, "hello")
	generateAll(t, e, p)

	n, err := e.Processor.Resume(context.Background(), e.Queue)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleErrorReleasesSegment(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p := ingested(t, e, 1)
	setScripts(t, e, p, "hello")
	seg := p.VideoSegments[0]

	gate := make(chan struct{})
	e.Renderer.Gate = gate
	_, err := e.Manager.GenerateSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)

	unfinished, err := models.ListUnfinishedTasks(e.DB)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	task := unfinished[0]
	payload := []byte(`{"task_id":"` + task.ID + `","project_id":"` + p.ID + `","segment_id":"` + seg.ID + `"}`)

	// 没有剩余重试次数时，实体被标记为 failed
	e.Processor.HandleError(ctx, asynq.NewTask(service.TypeSegmentRender, payload), errors.New("database went away"))
	got, err := e.Manager.GetSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "database went away")
	record, err := models.GetTask(e.DB, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)

	// 迟到的渲染结果不会覆盖 failed
	close(gate)
	e.Queue.Wait()
	got, err = e.Manager.GetSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	e.Renderer.Gate = nil
	_, err = e.Manager.GenerateSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	e.Queue.Wait()
	got, err = e.Manager.GetSegment(ctx, owner, p.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestHandleErrorReleasesConcatSlot(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p := ingested(t, e, 1)
	setScripts(t, e, p, "hello")
	generateAll(t, e, p)

	gate := make(chan struct{})
	e.Concater.Gate = gate
	running, err := e.Manager.Concat(ctx, owner, p.ID)
	require.NoError(t, err)
	jobID := running.ConcatJobID
	require.NotEmpty(t, jobID)

	payload := []byte(`{"task_id":"` + jobID + `","project_id":"` + p.ID + `"}`)
	e.Processor.HandleError(ctx, asynq.NewTask(service.TypeVideoConcat, payload), errors.New("worker lost"))
	close(gate)
	e.Queue.Wait()

	failed := reload(t, e, p.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Empty(t, failed.ConcatJobID)
	assert.Contains(t, failed.Error, "worker lost")

	e.Concater.Gate = nil
	_, err = e.Manager.Concat(ctx, owner, p.ID)
	require.NoError(t, err)
	e.Queue.Wait()
	assert.Equal(t, models.StatusCompleted, reload(t, e, p.ID).Status)
}

func TestResumeAbandonsUnknownTasks(t *testing.T) {
	e := testutil.NewEnv(t)
	task := models.NewTask("p1", "x", "thumbnail:make", models.TaskParameters{})
	require.NoError(t, models.CreateTask(e.DB, &task))

	n, err := e.Processor.Resume(context.Background(), e.Queue)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := models.GetTask(e.DB, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "unknown task type")
}
