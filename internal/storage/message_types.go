package storage

import "time"

// EmbedTaskMessage 嵌入任务消息。
// 简历入库进入QUEUED状态后发布，由嵌入worker消费。
type EmbedTaskMessage struct {
	ResumeID   uint      `json:"resume_id"`             // 简历行ID，同时是向量point id
	PersonID   uint      `json:"person_id"`             // 候选人ID
	EnqueuedAt time.Time `json:"enqueued_at"`           // 入队时间
	Attempt    int       `json:"attempt,omitempty"`     // 重试次数
	SourceFile string    `json:"source_file,omitempty"` // 原始文件名，仅用于日志
}
