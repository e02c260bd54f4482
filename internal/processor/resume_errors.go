package processor

import (
	"errors"
	"fmt"
)

// 定义基础错误类型，对应处理流水线的五类失败：
// 校验、未找到、状态冲突、外部依赖、存储
var (
	ErrValidationFailed  = errors.New("输入校验失败")
	ErrRecordNotFound    = errors.New("记录不存在")
	ErrConflictingState  = errors.New("简历状态冲突")
	ErrIngestFailed      = errors.New("简历摄取失败")
	ErrExtractionFailed  = errors.New("候选人信息抽取失败")
	ErrEmbeddingFailed   = errors.New("生成嵌入向量失败")
	ErrVectorIndexFailed = errors.New("向量索引操作失败")
	ErrDatabaseFailed    = errors.New("数据库操作失败")
)

// ProcessError 包含详细上下文的自定义错误
type ProcessError struct {
	Target  string // 出错对象的标识：邮箱、文件名或数字ID
	Op      string
	BaseErr error
	Detail  string
}

func (e *ProcessError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 对象:%s): %s", e.BaseErr, e.Op, e.Target, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 对象:%s)", e.BaseErr, e.Op, e.Target)
}

func (e *ProcessError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *ProcessError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数
func NewValidationError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "validate",
		BaseErr: ErrValidationFailed,
		Detail:  detail,
	}
}

func NewNotFoundError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "lookup",
		BaseErr: ErrRecordNotFound,
		Detail:  detail,
	}
}

func NewConflictError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "transition",
		BaseErr: ErrConflictingState,
		Detail:  detail,
	}
}

func NewIngestError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "ingest",
		BaseErr: ErrIngestFailed,
		Detail:  detail,
	}
}

func NewExtractionError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "extract",
		BaseErr: ErrExtractionFailed,
		Detail:  detail,
	}
}

func NewEmbeddingError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "embed",
		BaseErr: ErrEmbeddingFailed,
		Detail:  detail,
	}
}

func NewVectorIndexError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "vector_index",
		BaseErr: ErrVectorIndexFailed,
		Detail:  detail,
	}
}

func NewDatabaseError(target, detail string) error {
	return &ProcessError{
		Target:  target,
		Op:      "database",
		BaseErr: ErrDatabaseFailed,
		Detail:  detail,
	}
}
