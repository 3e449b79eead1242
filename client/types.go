package client

import "time"

const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Project struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Status         string           `json:"status"`
	IdemKey        string           `json:"idem_key"`
	VideoOutputID  string           `json:"video_output_id"`
	Error          string           `json:"error,omitempty"`
	DateCreated    time.Time        `json:"date_created"`
	DateModified   time.Time        `json:"date_modified"`
	PDFSlideImages []PDFSlideImages `json:"pdf_slide_images"`
	VideoSegments  []VideoSegment   `json:"video_segments"`
}

type SlideAsset struct {
	ImageID string `json:"image_id"`
	Order   int    `json:"order"`
	Text    string `json:"text"`
}

type PDFSlideImages struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Filename    string       `json:"filename"`
	PageCount   int          `json:"page_count"`
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	SlideAssets []SlideAsset `json:"slide_assets"`
}

type VideoSegment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ImageID   string `json:"image_id"`
	Order     int    `json:"order"`
	Script    string `json:"script"`
	Hidden    bool   `json:"hidden"`
	Status    string `json:"status"`
	VideoFile string `json:"video_file"`
	IdemKey   string `json:"idem_key"`
	Error     string `json:"error,omitempty"`
}

type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TargetID  string `json:"target_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ProjectUpdate is the body of PUT /project/:id. Nil fields are left alone.
type ProjectUpdate struct {
	Name    *string `json:"name,omitempty"`
	Status  *string `json:"status,omitempty"`
	IdemKey string  `json:"idem_key,omitempty"`
}

type SegmentUpdate struct {
	Script  *string `json:"script,omitempty"`
	Hidden  *bool   `json:"hidden,omitempty"`
	IdemKey string  `json:"idem_key,omitempty"`
}

type SlideText struct {
	ImageID string `json:"image_id"`
	Text    string `json:"text"`
}

// String returns a pointer to s, for optional update fields.
func String(s string) *string { return &s }

func Bool(b bool) *bool { return &b }
