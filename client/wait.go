package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Condition decides from a fetched project whether waiting is over. A non nil
// error stops the wait early, e.g. when something failed.
type Condition func(p *Project) (bool, error)

var ErrFailed = errors.New("processing failed")

// WaitFor polls the project every interval until cond holds, cond returns an
// error, or ctx is done. Bound the wait with a context deadline.
func (c *Client) WaitFor(ctx context.Context, projectID string, interval time.Duration, cond Condition) (*Project, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		done, err := cond(p)
		if err != nil {
			return p, err
		}
		if done {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, fmt.Errorf("waiting for project %s: %w", projectID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// PDFSlidesReady holds once every uploaded PDF has been split.
func PDFSlidesReady(p *Project) (bool, error) {
	if len(p.PDFSlideImages) == 0 {
		return false, nil
	}
	for _, item := range p.PDFSlideImages {
		switch item.Status {
		case StatusFailed:
			return false, fmt.Errorf("%w: pdfslideimages %s: %s", ErrFailed, item.ID, item.Error)
		case StatusCompleted:
		default:
			return false, nil
		}
	}
	return true, nil
}

// SegmentsCompleted holds once the project has segments and all of them are
// rendered.
func SegmentsCompleted(p *Project) (bool, error) {
	if len(p.VideoSegments) == 0 {
		return false, nil
	}
	for _, s := range p.VideoSegments {
		switch s.Status {
		case StatusFailed:
			return false, fmt.Errorf("%w: videosegment %s: %s", ErrFailed, s.ID, s.Error)
		case StatusCompleted:
		default:
			return false, nil
		}
	}
	return true, nil
}

func ProjectCompleted(p *Project) (bool, error) {
	switch p.Status {
	case StatusCompleted:
		return p.VideoOutputID != "", nil
	case StatusFailed:
		return false, fmt.Errorf("%w: project %s: %s", ErrFailed, p.ID, p.Error)
	}
	return false, nil
}
