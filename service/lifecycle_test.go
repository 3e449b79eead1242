package service_test

import (
	"context"
	"testing"

	"slides2video/models"
	"slides2video/service"
	"slides2video/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProjectDefaults(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()

	p, err := e.Manager.CreateProject(ctx, owner, "  ")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.StatusCreated, p.Status)
	assert.Equal(t, models.DefaultProjectName, p.Name)
	assert.Empty(t, p.VideoOutputID)

	other, err := e.Manager.CreateProject(ctx, owner, "Quarterly review")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, other.ID)
	assert.Equal(t, "Quarterly review", other.Name)
}

func TestGetProjectOwnership(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)

	got, err := e.Manager.GetProject(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.NotNil(t, got.PDFSlideImages)
	assert.NotNil(t, got.VideoSegments)

	_, err = e.Manager.GetProject(ctx, "someone-else", p.ID)
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = e.Manager.GetProject(ctx, owner, "missing")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestListProjectsScopedToOwner(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	_, err := e.Manager.CreateProject(ctx, owner, "a")
	require.NoError(t, err)
	_, err = e.Manager.CreateProject(ctx, owner, "b")
	require.NoError(t, err)
	_, err = e.Manager.CreateProject(ctx, "other", "c")
	require.NoError(t, err)

	mine, err := e.Manager.ListProjects(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := e.Manager.ListProjects(ctx, "other")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "c", theirs[0].Name)

	none, err := e.Manager.ListProjects(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateProjectIdemKeyAppliesOnce(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)

	first, second := "first", "second"
	got, err := e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Name: &first, IdemKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, "k1", got.IdemKey)
	modified := got.DateModified

	got, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Name: &second, IdemKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.True(t, got.DateModified.Equal(modified))

	got, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Name: &second, IdemKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
	assert.Equal(t, "k2", got.IdemKey)

	// 不带 idem_key 的更新每次都生效
	got, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Name: &first})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestUpdateProjectIdemKeyIsPerProject(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	a, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)
	b, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)

	name := "renamed"
	_, err = e.Manager.UpdateProject(ctx, owner, a.ID, service.ProjectUpdate{Name: &name, IdemKey: "same"})
	require.NoError(t, err)
	got, err := e.Manager.UpdateProject(ctx, owner, b.ID, service.ProjectUpdate{Name: &name, IdemKey: "same"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestUpdateProjectStatus(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)

	status := func(s models.Status) *models.Status { return &s }

	_, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Status: status(models.StatusCompleted)})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Status: status("paused")})
	assert.ErrorIs(t, err, service.ErrValidation)

	got, err := e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Status: status(models.StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	_, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Status: status(models.StatusCreated)})
	assert.ErrorIs(t, err, service.ErrConflict)

	// 相同状态视为无变化
	got, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Status: status(models.StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	empty := ""
	_, err = e.Manager.UpdateProject(ctx, owner, p.ID, service.ProjectUpdate{Name: &empty})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = e.Manager.UpdateProject(ctx, "intruder", p.ID, service.ProjectUpdate{Status: status(models.StatusRunning)})
	assert.ErrorIs(t, err, service.ErrForbidden)
}

func TestDeleteProjectCascades(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p := ingested(t, e, 2)
	pdfKey := p.PDFSlideImages[0].PDFFile

	require.ErrorIs(t, e.Manager.DeleteProject(ctx, "intruder", p.ID), service.ErrForbidden)
	require.NoError(t, e.Manager.DeleteProject(ctx, owner, p.ID))

	_, err := e.Manager.GetProject(ctx, owner, p.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)

	var n int64
	require.NoError(t, e.DB.Model(&models.VideoSegment{}).Where("project_id = ?", p.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, e.DB.Model(&models.SlideAsset{}).Where("project_id = ?", p.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, e.DB.Model(&models.Task{}).Where("project_id = ?", p.ID).Count(&n).Error)
	assert.Zero(t, n)

	_, err = e.Blobs.Load(ctx, pdfKey)
	assert.ErrorIs(t, err, service.ErrBlobNotFound)
}
