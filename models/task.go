package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 三种后台任务类型，与队列中的 task type 一一对应
const (
	TaskTypePDFSplit      = "pdf:split"
	TaskTypeSegmentRender = "segment:render"
	TaskTypeVideoConcat   = "video:concat"
)

// Task 记录每一次入队的后台任务，便于排查与观察进度
type Task struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID  string         `gorm:"column:project_id;type:varchar(64);index" json:"project_id"`
	TargetID   string         `gorm:"column:target_id;type:varchar(64)" json:"target_id"`
	Type       string         `gorm:"type:varchar(40)" json:"type"`
	Status     Status         `gorm:"type:varchar(20)" json:"status"`
	Parameters TaskParameters `gorm:"type:text" json:"parameters"`
	Error      string         `gorm:"column:error_message;type:text" json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// TaskParameters 以 JSON 形式存储任务参数
type TaskParameters struct {
	Filename  string `json:"filename,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	Script    string `json:"script,omitempty"`
	Segments  int    `json:"segments,omitempty"`
}

// Value 实现 driver.Valuer：结构体 -> JSON 字符串
func (p TaskParameters) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner：JSON -> 结构体
func (p *TaskParameters) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return errors.New(fmt.Sprint("Failed to unmarshal task parameters:", value))
}

func NewTask(projectID, targetID, taskType string, params TaskParameters) Task {
	now := time.Now()
	return Task{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		TargetID:   targetID,
		Type:       taskType,
		Status:     StatusCreated,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func CreateTask(db *gorm.DB, t *Task) error {
	return db.Create(t).Error
}

func GetTask(db *gorm.DB, id string) (*Task, error) {
	var t Task
	if err := db.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func ListTasksByProject(db *gorm.DB, projectID string) ([]Task, error) {
	tasks := []Task{}
	err := db.Where("project_id = ?", projectID).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

// UpdateTaskStatus 更新任务状态，running 记录开始时间，终态记录结束时间
func UpdateTaskStatus(db *gorm.DB, id string, status Status, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case StatusRunning:
		updates["started_at"] = now
	case StatusCompleted, StatusFailed:
		updates["finished_at"] = now
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	return db.Model(&Task{}).Where("id = ?", id).Updates(updates).Error
}

// ListUnfinishedTasks 返回尚未进入终态的任务，按创建时间排序
func ListUnfinishedTasks(db *gorm.DB) ([]Task, error) {
	tasks := []Task{}
	err := db.Where("status IN ?", []Status{StatusCreated, StatusRunning}).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

// AbandonTask 把仍未结束的任务记为失败，已进入终态的记录保持不变
func AbandonTask(db *gorm.DB, id, errMsg string) error {
	now := time.Now()
	return db.Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusCreated, StatusRunning}).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": errMsg,
			"finished_at":   now,
			"updated_at":    now,
		}).Error
}
