package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// FakeInspector accepts anything that starts like a PDF and has pages.
type FakeInspector struct{}

func (FakeInspector) PageCount(data []byte) (int, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0, errors.New("missing %PDF- header")
	}
	n := CountPages(data)
	if n == 0 {
		return 0, errors.New("document has no pages")
	}
	return n, nil
}

// FakeRasterizer returns "png-page-<n>" for every page. Err makes it fail.
type FakeRasterizer struct {
	mu  sync.Mutex
	Err error
}

func (r *FakeRasterizer) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	n := CountPages(pdf)
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = []byte(fmt.Sprintf("png-page-%d", i+1))
	}
	return pages, nil
}

// FakeRenderer wraps the slide image as "mp4[<image>]". A script containing
// FailOn fails the render. When Gate is set every render waits on it.
type FakeRenderer struct {
	mu     sync.Mutex
	FailOn string
	Gate   chan struct{}
	calls  int
}

func (r *FakeRenderer) Render(ctx context.Context, image []byte, script string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	failOn, gate := r.FailOn, r.Gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failOn != "" && strings.Contains(script, failOn) {
		return nil, fmt.Errorf("render of %q failed", script)
	}
	return []byte("mp4[" + string(image) + "]"), nil
}

func (r *FakeRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *FakeRenderer) SetFailOn(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailOn = s
}

// FakeConcater joins clips with "|". Err makes it fail, Gate holds it.
type FakeConcater struct {
	mu    sync.Mutex
	Err   error
	Gate  chan struct{}
	calls int
}

func (c *FakeConcater) Concat(ctx context.Context, clips [][]byte) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	err, gate := c.Err, c.Gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return bytes.Join(clips, []byte("|")), nil
}

func (c *FakeConcater) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *FakeConcater) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}
