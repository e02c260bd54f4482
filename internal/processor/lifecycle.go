package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/storage/models"

	"gorm.io/gorm"
)

// advanceTargets 一次处理尝试内合法的状态推进。
// QUEUED是唯一的非终态；SUCCESS/ERROR只能通过显式的Requeue回到QUEUED，
// 避免静默的重复处理。
var advanceTargets = map[string]map[string]bool{
	constants.StatusQueued: {
		constants.StatusSuccess: true,
		constants.StatusError:   true,
	},
	constants.StatusSuccess: {},
	constants.StatusError:   {},
}

// LifecycleManager 管理简历文件的处理状态。
// 状态不是直接赋值，而是经由校验过的转移函数写入，
// 保证每次处理尝试结束时简历都落在终态。
type LifecycleManager struct {
	store  IdentityStore
	logger *log.Logger
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(store IdentityStore, logger *log.Logger) (*LifecycleManager, error) {
	if store == nil {
		return nil, fmt.Errorf("身份存储不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LifecycleManager{store: store, logger: logger}, nil
}

// Advance 把简历从QUEUED推进到终态。
// 未知ID是not-found错误而不是静默no-op；非法转移是冲突错误，不产生任何写入。
func (l *LifecycleManager) Advance(ctx context.Context, resumeID uint, outcome string) error {
	if outcome != constants.StatusSuccess && outcome != constants.StatusError {
		return NewValidationError(fmt.Sprintf("%d", resumeID), fmt.Sprintf("非法的目标状态: %s", outcome))
	}

	file, err := l.getResumeFile(ctx, resumeID)
	if err != nil {
		return err
	}

	if !advanceTargets[file.Status][outcome] {
		return NewConflictError(fmt.Sprintf("%d", resumeID),
			fmt.Sprintf("不允许的状态转移: %s -> %s", file.Status, outcome))
	}

	if err := l.store.UpdateResumeStatus(ctx, resumeID, outcome); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError(fmt.Sprintf("%d", resumeID), "简历文件不存在")
		}
		return NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	l.logger.Printf("[Lifecycle] 简历 %d: %s -> %s", resumeID, file.Status, outcome)
	return nil
}

// Requeue 显式地把终态简历重新置为QUEUED，表达"再处理一次"的意图。
// 对仍在QUEUED的简历调用是冲突，防止并发重复处理。
func (l *LifecycleManager) Requeue(ctx context.Context, resumeID uint) error {
	file, err := l.getResumeFile(ctx, resumeID)
	if err != nil {
		return err
	}

	if file.Status == constants.StatusQueued {
		return NewConflictError(fmt.Sprintf("%d", resumeID), "简历已在队列中")
	}

	if err := l.store.UpdateResumeStatus(ctx, resumeID, constants.StatusQueued); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError(fmt.Sprintf("%d", resumeID), "简历文件不存在")
		}
		return NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	l.logger.Printf("[Lifecycle] 简历 %d: %s -> %s (requeue)", resumeID, file.Status, constants.StatusQueued)
	return nil
}

// EnsureUpdatable 校验简历是否允许接受内容更新。
// 只有SUCCESS状态的简历可以更新：QUEUED/ERROR表示有处理尝试在途或待决，
// 此时更新会和在途流水线竞争同一行。
func (l *LifecycleManager) EnsureUpdatable(ctx context.Context, resumeID uint) (*models.ResumeFile, error) {
	file, err := l.getResumeFile(ctx, resumeID)
	if err != nil {
		return nil, err
	}
	if file.Status != constants.StatusSuccess {
		return nil, NewConflictError(fmt.Sprintf("%d", resumeID),
			fmt.Sprintf("当前状态 %s 不允许更新，仅SUCCESS状态可更新", file.Status))
	}
	return file, nil
}

func (l *LifecycleManager) getResumeFile(ctx context.Context, resumeID uint) (*models.ResumeFile, error) {
	file, err := l.store.GetResumeFile(ctx, resumeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("%d", resumeID), "简历文件不存在")
		}
		return nil, NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}
	return file, nil
}
