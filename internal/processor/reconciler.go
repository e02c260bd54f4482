package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"cv-agent-go/internal/storage/models"
	"cv-agent-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var reconcilerTracer = otel.Tracer("cv-agent-go/processor/reconciler")

// 邮箱锁的持有时长：覆盖一次 查找→建人→建子记录 的事务耗时即可
const emailLockTTL = 15 * time.Second

// NormalizeEmail 把邮箱规范化为小写去空白的形式。
// 这是候选人身份合并的唯一键，所有查找与写入前都必须先经过这里。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ReconcileResult 一次合并决策的产物
type ReconcileResult struct {
	Person  *models.Person
	Created bool // true表示走了create分支
	// 本次新附加的简历文件（不含历史文件），调用方据此知道哪些行需要嵌入
	NewResumeFiles []*models.ResumeFile
}

// Reconciler 判定新抽取的候选人数据应该创建新人还是并入已有记录。
// create分支按规范化邮箱加分布式锁串行化；锁不可用时退化为
// 依赖数据库唯一索引，冲突时转为merge重试。
type Reconciler struct {
	store  IdentityStore
	locker EmailLocker // 可为nil
	logger *log.Logger
}

// NewReconciler 创建合并引擎
func NewReconciler(store IdentityStore, locker EmailLocker, logger *log.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("身份存储不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Reconciler{
		store:  store,
		locker: locker,
		logger: logger,
	}, nil
}

// Reconcile 执行create-or-merge决策。
// newFiles 会被原样附加，简历文件从不去重：同一候选人的每次上传都是独立产物。
func (r *Reconciler) Reconcile(ctx context.Context, candidate *types.ExtractedCandidate, newEducations []models.Education, newFiles []*models.ResumeFile) (*ReconcileResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.Reconcile")
	defer span.End()

	if candidate == nil {
		return nil, NewValidationError("", "候选人数据为空")
	}
	email := NormalizeEmail(candidate.Email)
	if email == "" {
		// 空邮箱绝不允许成为合并键，否则所有无邮箱简历都会塌缩到同一个人
		return nil, NewValidationError(candidate.Name, "抽取结果缺少邮箱")
	}
	span.SetAttributes(attribute.String("candidate.email", email))

	existing, err := r.store.GetPersonByEmail(ctx, email)
	switch {
	case err == nil:
		return r.merge(ctx, existing, candidate, newEducations, newFiles)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.create(ctx, email, candidate, newEducations, newFiles)
	default:
		return nil, NewDatabaseError(email, err.Error())
	}
}

// create 新建候选人。持锁期间再查一次，锁等待期间别人可能已建好；
// 唯一索引冲突同样转为merge，唯一约束才是最终仲裁者。
func (r *Reconciler) create(ctx context.Context, email string, candidate *types.ExtractedCandidate, newEducations []models.Education, newFiles []*models.ResumeFile) (*ReconcileResult, error) {
	if r.locker != nil {
		lockValue, err := r.locker.AcquireEmailLock(ctx, email, emailLockTTL)
		if err != nil {
			return nil, NewDatabaseError(email, fmt.Sprintf("获取邮箱锁失败: %v", err))
		}
		if lockValue == "" {
			// 锁被并发请求持有：短暂等待后按merge路径重查
			r.logger.Printf("[Reconciler] 邮箱 %s 的锁被占用，等待后重查", email)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			return r.Reconcile(ctx, candidate, newEducations, newFiles)
		}
		defer func() {
			if _, err := r.locker.ReleaseEmailLock(context.WithoutCancel(ctx), email, lockValue); err != nil {
				r.logger.Printf("[Reconciler] 释放邮箱锁 %s 失败: %v", email, err)
			}
		}()

		// 持锁复查，锁获取前的窗口期内可能已有并发创建完成
		if existing, err := r.store.GetPersonByEmail(ctx, email); err == nil {
			return r.merge(ctx, existing, candidate, newEducations, newFiles)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewDatabaseError(email, err.Error())
		}
	}

	person := &models.Person{
		FullName:   candidate.Name,
		Email:      email,
		Phone:      candidate.Phone,
		Summary:    candidate.Summary,
		Educations: dedupeEducations(nil, newEducations),
	}
	for _, f := range newFiles {
		person.ResumeFiles = append(person.ResumeFiles, *f)
	}

	if err := r.store.CreatePersonWithChildren(ctx, person); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 唯一索引赢了竞争：对方先建好了，按merge重试
			r.logger.Printf("[Reconciler] 邮箱 %s 唯一约束冲突，转为merge重试", email)
			existing, lookupErr := r.store.GetPersonByEmail(ctx, email)
			if lookupErr != nil {
				return nil, NewDatabaseError(email, lookupErr.Error())
			}
			return r.merge(ctx, existing, candidate, newEducations, newFiles)
		}
		return nil, NewDatabaseError(email, err.Error())
	}

	// Create 会回填所有子记录的自增ID，把持久化后的文件行还给调用方
	attached := make([]*models.ResumeFile, len(person.ResumeFiles))
	for i := range person.ResumeFiles {
		attached[i] = &person.ResumeFiles[i]
	}

	r.logger.Printf("[Reconciler] 新建候选人 %s (ID=%d)，附加 %d 份简历", email, person.ID, len(attached))
	return &ReconcileResult{Person: person, Created: true, NewResumeFiles: attached}, nil
}

// merge 并入已有候选人：教育经历按 (institution, field, degree) 去重且保留已有条目，
// 简历文件无条件追加
func (r *Reconciler) merge(ctx context.Context, existing *models.Person, candidate *types.ExtractedCandidate, newEducations []models.Education, newFiles []*models.ResumeFile) (*ReconcileResult, error) {
	updates := map[string]interface{}{}
	if candidate.Name != "" && candidate.Name != existing.FullName {
		updates["full_name"] = candidate.Name
	}
	if candidate.Phone != "" && candidate.Phone != existing.Phone {
		updates["phone"] = candidate.Phone
	}
	if candidate.Summary != "" && candidate.Summary != existing.Summary {
		updates["summary"] = candidate.Summary
	}

	addedEducations := educationsToAdd(existing.Educations, newEducations)

	if err := r.store.MergePersonRecords(ctx, existing.ID, updates, addedEducations, newFiles); err != nil {
		return nil, NewDatabaseError(existing.Email, err.Error())
	}

	// 回填内存中的视图，调用方拿到的是合并后的完整状态
	existing.Educations = append(existing.Educations, addedEducations...)
	if name, ok := updates["full_name"].(string); ok {
		existing.FullName = name
	}
	if phone, ok := updates["phone"].(string); ok {
		existing.Phone = phone
	}
	if summary, ok := updates["summary"].(string); ok {
		existing.Summary = summary
	}

	r.logger.Printf("[Reconciler] 合并候选人 %s (ID=%d)：新增 %d 条教育经历，追加 %d 份简历",
		existing.Email, existing.ID, len(addedEducations), len(newFiles))
	return &ReconcileResult{Person: existing, Created: false, NewResumeFiles: newFiles}, nil
}

// educationKey 教育经历的去重身份，日期不参与比较
func educationKey(e models.Education) string {
	return strings.ToLower(strings.TrimSpace(e.Institution)) + "\x00" +
		strings.ToLower(strings.TrimSpace(e.Field)) + "\x00" +
		strings.ToLower(strings.TrimSpace(e.Degree))
}

// dedupeEducations 合并两组教育经历并按三元组去重，冲突时保留existing中的条目
func dedupeEducations(existing []models.Education, incoming []models.Education) []models.Education {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	result := make([]models.Education, 0, len(existing)+len(incoming))
	for _, e := range existing {
		key := educationKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, e)
	}
	for _, e := range incoming {
		if strings.TrimSpace(e.Institution) == "" {
			continue
		}
		key := educationKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, e)
	}
	return result
}

// educationsToAdd 返回incoming中不与existing重复的条目，用于merge分支的增量写入
func educationsToAdd(existing []models.Education, incoming []models.Education) []models.Education {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[educationKey(e)] = struct{}{}
	}
	var toAdd []models.Education
	for _, e := range incoming {
		if strings.TrimSpace(e.Institution) == "" {
			continue
		}
		key := educationKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		toAdd = append(toAdd, e)
	}
	return toAdd
}
