package core

import (
	"fmt"
	"time"
)

// JobStatus 上传处理作业的状态
type JobStatus string

const (
	JobStatusReceived        JobStatus = "received"
	JobStatusExtractingAudio JobStatus = "extracting_audio"
	JobStatusTranscribing    JobStatus = "transcribing"
	JobStatusStructuring     JobStatus = "structuring"
	JobStatusComplete        JobStatus = "complete"
	JobStatusFailed          JobStatus = "failed"
)

// UploadJob 单次上传请求对应的临时作业，只由编排器在请求自身的 goroutine 中修改
type UploadJob struct {
	ID          string     `json:"id"`
	SourceFile  string     `json:"-"`
	Status      JobStatus  `json:"status"`
	FailedStage JobStatus  `json:"failed_stage,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Err         error      `json:"-"`
}

// NewUploadJob 创建处于 received 状态的作业
func NewUploadJob(id string) *UploadJob {
	return &UploadJob{
		ID:        id,
		Status:    JobStatusReceived,
		StartedAt: time.Now(),
	}
}

// Advance 推进到下一个阶段，不允许跳过阶段
func (j *UploadJob) Advance(to JobStatus) error {
	if !isValidTransition(j.Status, to) {
		return fmt.Errorf("invalid job transition: %s -> %s", j.Status, to)
	}
	j.Status = to
	if to == JobStatusComplete {
		now := time.Now()
		j.FinishedAt = &now
	}
	return nil
}

// Fail 从任意非终止状态进入 failed，记录失败阶段和错误分类
func (j *UploadJob) Fail(err error) {
	if j.Terminal() {
		return
	}
	j.FailedStage = j.Status
	j.Status = JobStatusFailed
	j.ErrorKind = KindOf(err)
	j.Err = err
	now := time.Now()
	j.FinishedAt = &now
}

// Terminal 是否处于终止状态
func (j *UploadJob) Terminal() bool {
	return j.Status == JobStatusComplete || j.Status == JobStatusFailed
}

// isValidTransition 作业状态机的合法边；失败走 Fail，没有重试边
func isValidTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusReceived:
		return to == JobStatusExtractingAudio
	case JobStatusExtractingAudio:
		return to == JobStatusTranscribing
	case JobStatusTranscribing:
		return to == JobStatusStructuring
	case JobStatusStructuring:
		return to == JobStatusComplete
	default:
		return false
	}
}
