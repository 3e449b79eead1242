package models

import "fmt"

// Status 是项目、pdf 切图任务与视频片段共用的生命周期状态
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// 状态流转表：created -> running -> completed|failed，failed -> running（重试）
// 不允许回到 created，completed 为终态
var statusTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
	StatusFailed:  {StatusRunning},
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition 判断 s -> next 是否为合法流转
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal 表示没有新的显式操作时，worker 不会再修改该状态的实体
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}
