package service_test

import (
	"context"
	"testing"

	"slides2video/models"
	"slides2video/service"
	"slides2video/testutil"

	"github.com/stretchr/testify/require"
)

const owner = "owner-1"

// ingested creates a project, uploads a PDF with the given page count and
// waits for the split to finish.
func ingested(t *testing.T, e *testutil.Env, pages int) *models.Project {
	t.Helper()
	ctx := context.Background()
	p, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)
	_, err = e.Manager.UploadPDF(ctx, owner, p.ID, "deck.pdf", testutil.PDF(pages))
	require.NoError(t, err)
	e.Queue.Wait()

	p, err = e.Manager.GetProject(ctx, owner, p.ID)
	require.NoError(t, err)
	require.Len(t, p.PDFSlideImages, 1)
	require.Equal(t, models.StatusCompleted, p.PDFSlideImages[0].Status)
	require.Len(t, p.VideoSegments, pages)
	return p
}

func setScripts(t *testing.T, e *testutil.Env, p *models.Project, script string) {
	t.Helper()
	for _, s := range p.VideoSegments {
		_, err := e.Manager.UpdateSegment(context.Background(), owner, p.ID, s.ID, service.SegmentUpdate{Script: &script})
		require.NoError(t, err)
	}
}

func generateAll(t *testing.T, e *testutil.Env, p *models.Project) {
	t.Helper()
	for _, s := range p.VideoSegments {
		_, err := e.Manager.GenerateSegment(context.Background(), owner, p.ID, s.ID)
		require.NoError(t, err)
	}
	e.Queue.Wait()
}

func reload(t *testing.T, e *testutil.Env, id string) *models.Project {
	t.Helper()
	p, err := e.Manager.GetProject(context.Background(), owner, id)
	require.NoError(t, err)
	return p
}
