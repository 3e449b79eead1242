package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func projectPath(id string) string {
	return "/project/" + url.PathEscape(id)
}

func (c *Client) CreateProject(ctx context.Context, name string) (*Project, error) {
	var body interface{}
	if name != "" {
		body = map[string]string{"name": name}
	}
	p := &Project{}
	if err := c.doJSON(ctx, http.MethodPost, "/project", body, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	if err := c.doJSON(ctx, http.MethodGet, projectPath(id), nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (c *Client) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error) {
	p := &Project{}
	if err := c.doJSON(ctx, http.MethodPut, projectPath(id), upd, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, projectPath(id), nil, nil)
}

func (c *Client) GenerateVideo(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	if err := c.doJSON(ctx, http.MethodPost, projectPath(id)+":generate-video", nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) Concat(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	if err := c.doJSON(ctx, http.MethodPost, projectPath(id)+":concat", nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) ListTasks(ctx context.Context, id string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, projectPath(id)+"/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// UploadPDF sends data as the "myfile" field of a multipart form.
func (c *Client) UploadPDF(ctx context.Context, projectID, filename string, data []byte) (*PDFSlideImages, error) {
	body, contentType, err := multipartBody("myfile", filename, data)
	if err != nil {
		return nil, err
	}
	item := &PDFSlideImages{}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/pdfslideimages", contentType, body, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) GetPDFSlideImages(ctx context.Context, projectID, id string) (*PDFSlideImages, error) {
	item := &PDFSlideImages{}
	path := projectPath(projectID) + "/pdfslideimages/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) UpdateSlideTexts(ctx context.Context, projectID, id string, texts []SlideText) (*PDFSlideImages, error) {
	item := &PDFSlideImages{}
	path := projectPath(projectID) + "/pdfslideimages/" + url.PathEscape(id)
	body := map[string]interface{}{"slide_assets": texts}
	if err := c.doJSON(ctx, http.MethodPut, path, body, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) CreateSegment(ctx context.Context, projectID, imageID string, order int) (*VideoSegment, error) {
	seg := &VideoSegment{}
	body := map[string]interface{}{"image_id": imageID, "order": order}
	if err := c.doJSON(ctx, http.MethodPost, projectPath(projectID)+"/videosegment", body, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (c *Client) GetSegment(ctx context.Context, projectID, id string) (*VideoSegment, error) {
	seg := &VideoSegment{}
	path := projectPath(projectID) + "/videosegment/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (c *Client) UpdateSegment(ctx context.Context, projectID, id string, upd SegmentUpdate) (*VideoSegment, error) {
	seg := &VideoSegment{}
	path := projectPath(projectID) + "/videosegment/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPut, path, upd, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (c *Client) GenerateSegment(ctx context.Context, projectID, id string) (*VideoSegment, error) {
	seg := &VideoSegment{}
	path := projectPath(projectID) + "/videosegment/" + url.PathEscape(id) + ":generate"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// DownloadVideo fetches the final video. A redirect to the blob store is
// followed by the underlying http.Client.
func (c *Client) DownloadVideo(ctx context.Context, projectID string) ([]byte, error) {
	return c.download(ctx, projectPath(projectID)+"/video")
}

// DownloadSlideImage fetches an image referenced by a slide asset or a video
// segment of the project.
func (c *Client) DownloadSlideImage(ctx context.Context, projectID, imageID string) ([]byte, error) {
	parts := strings.Split(imageID, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.download(ctx, projectPath(projectID)+"/image/"+strings.Join(parts, "/"))
}

// DownloadSegmentVideo fetches the rendered clip of one video segment.
func (c *Client) DownloadSegmentVideo(ctx context.Context, projectID, segmentID string) ([]byte, error) {
	return c.download(ctx, projectPath(projectID)+"/videosegment/"+url.PathEscape(segmentID)+"/video")
}

func (c *Client) download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}
