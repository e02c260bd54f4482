package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/storage/models"
	"cv-agent-go/internal/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var processorTracer = otel.Tracer("cv-agent-go/processor")

// Components 聚合处理器的全部协作方依赖，便于集中装配和测试替换
type Components struct {
	Store     IdentityStore
	Index     VectorIndex
	Extractor CandidateExtractor
	Embedder  TextEmbedder
	Locker    EmailLocker    // 可为nil：退化为仅依赖唯一索引
	Deduper   FileDeduper    // 可为nil：不做重复上传标记
	Publisher TaskPublisher  // 可为nil：嵌入改为同步内联执行
	Uploader  ObjectUploader // 可为nil：不归档原始文件
}

// ProcessOutcome 单份简历的处理结果
type ProcessOutcome struct {
	PersonID        uint   `json:"person_id"`
	ResumeID        uint   `json:"resume_id"`
	Created         bool   `json:"created"` // true表示本次新建了候选人
	DuplicateUpload bool   `json:"duplicate_upload,omitempty"`
	Status          string `json:"status"` // 返回时简历所处的生命周期状态
}

// ResumeProcessor 简历处理流水线：摄取结果 → 抽取 → 合并 → 入库(QUEUED) → 嵌入 → 终态。
// 活性保证：任何一次处理尝试结束后，简历都不会停留在QUEUED。
type ResumeProcessor struct {
	components Components
	reconciler *Reconciler
	lifecycle  *LifecycleManager
	upserter   *EmbeddingUpserter
	searcher   *SearchEngine
	logger     *log.Logger
}

// NewResumeProcessor 装配处理流水线
func NewResumeProcessor(components Components, defaultSearchLimit int, logger *log.Logger) (*ResumeProcessor, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[Processor] ", log.LstdFlags)
	}
	if components.Store == nil {
		return nil, fmt.Errorf("身份存储不能为空")
	}
	if components.Index == nil {
		return nil, fmt.Errorf("向量索引不能为空")
	}
	if components.Extractor == nil {
		return nil, fmt.Errorf("候选人抽取器不能为空")
	}
	if components.Embedder == nil {
		return nil, fmt.Errorf("嵌入器不能为空")
	}

	reconciler, err := NewReconciler(components.Store, components.Locker, logger)
	if err != nil {
		return nil, err
	}
	lifecycle, err := NewLifecycleManager(components.Store, logger)
	if err != nil {
		return nil, err
	}
	upserter, err := NewEmbeddingUpserter(components.Embedder, components.Index, logger)
	if err != nil {
		return nil, err
	}
	searcher, err := NewSearchEngine(components.Embedder, components.Index, components.Store, defaultSearchLimit, logger)
	if err != nil {
		return nil, err
	}

	return &ResumeProcessor{
		components: components,
		reconciler: reconciler,
		lifecycle:  lifecycle,
		upserter:   upserter,
		searcher:   searcher,
		logger:     logger,
	}, nil
}

// ProcessDocument 处理一份已摄取的简历文档。
// 行程：抽取 → create-or-merge → 简历行以QUEUED入库 → 投递嵌入任务（或内联嵌入）。
// 简历行一旦存在，后续任何失败都会把它推进到ERROR再返回。
func (p *ResumeProcessor) ProcessDocument(ctx context.Context, doc *types.IngestedDocument) (*ProcessOutcome, error) {
	ctx, span := processorTracer.Start(ctx, "ResumeProcessor.ProcessDocument")
	defer span.End()

	if doc == nil || doc.RawText == "" {
		return nil, NewValidationError(docName(doc), "文档原始文本为空")
	}
	span.SetAttributes(attribute.String("resume.file_name", doc.FileName))

	candidate, err := p.components.Extractor.Extract(ctx, doc.RawText)
	if err != nil {
		span.SetStatus(codes.Error, "extraction failed")
		return nil, NewExtractionError(doc.FileName, err.Error())
	}
	if NormalizeEmail(candidate.Email) == "" {
		// 无邮箱无法参与身份合并，在任何写入前拒绝
		return nil, NewValidationError(doc.FileName, "抽取结果缺少邮箱")
	}
	if candidate.Name == "" {
		// 抽不出姓名大概率不是简历；显式上报而不是静默跳过
		return nil, NewValidationError(doc.FileName, "抽取结果缺少姓名")
	}

	duplicate := false
	if p.components.Deduper != nil && doc.SHA256 != "" {
		seen, err := p.components.Deduper.CheckAndAddFileSHA256(ctx, doc.SHA256)
		if err != nil {
			// 去重标记失败不阻断流水线，只是丢掉一次"重复上传"提示
			p.logger.Printf("[Processor] 检查文件哈希失败: %v", err)
		} else {
			duplicate = seen
		}
	}

	storageURI := doc.StorageURI
	if p.components.Uploader != nil {
		uri, err := p.archiveOriginal(ctx, doc)
		if err != nil {
			p.logger.Printf("[Processor] 归档原始文件 %s 失败: %v", doc.FileName, err)
		} else {
			storageURI = uri
		}
	}

	snapshot, err := json.Marshal(candidate)
	if err != nil {
		return nil, NewValidationError(doc.FileName, fmt.Sprintf("序列化抽取结果失败: %v", err))
	}

	file := &models.ResumeFile{
		FileName:      doc.FileName,
		SHA256:        doc.SHA256,
		StorageURI:    storageURI,
		Status:        constants.StatusQueued,
		ExtractedJSON: snapshot,
	}
	educations := educationModels(candidate.Education)

	result, err := p.reconciler.Reconcile(ctx, candidate, educations, []*models.ResumeFile{file})
	if err != nil {
		span.SetStatus(codes.Error, "reconcile failed")
		return nil, err
	}
	if len(result.NewResumeFiles) != 1 {
		return nil, NewDatabaseError(doc.FileName, "合并后未返回新简历行")
	}
	resumeID := result.NewResumeFiles[0].ID

	outcome := &ProcessOutcome{
		PersonID:        result.Person.ID,
		ResumeID:        resumeID,
		Created:         result.Created,
		DuplicateUpload: duplicate,
	}

	status, err := p.dispatchEmbedding(ctx, result.Person.ID, resumeID, doc.FileName)
	outcome.Status = status
	if err != nil {
		return outcome, err
	}

	span.SetAttributes(
		attribute.Int64("person.id", int64(outcome.PersonID)),
		attribute.Int64("resume.id", int64(resumeID)),
		attribute.Bool("person.created", outcome.Created),
	)
	return outcome, nil
}

// dispatchEmbedding 把QUEUED的简历交给嵌入阶段：有队列就异步投递，否则内联执行。
// 返回调用结束时简历的状态。失败路径负责把状态推进到ERROR，维持活性保证。
func (p *ResumeProcessor) dispatchEmbedding(ctx context.Context, personID, resumeID uint, fileName string) (string, error) {
	if p.components.Publisher != nil {
		msg := &storage.EmbedTaskMessage{
			ResumeID:   resumeID,
			PersonID:   personID,
			SourceFile: fileName,
		}
		if err := p.components.Publisher.PublishEmbedTask(ctx, msg); err != nil {
			p.markError(ctx, resumeID)
			return constants.StatusError, &ProcessError{
				Target:  fmt.Sprintf("%d", resumeID),
				Op:      "publish",
				BaseErr: ErrEmbeddingFailed,
				Detail:  fmt.Sprintf("投递嵌入任务失败: %v", err),
			}
		}
		return constants.StatusQueued, nil
	}

	if err := p.EmbedResume(ctx, resumeID); err != nil {
		return constants.StatusError, err
	}
	return constants.StatusSuccess, nil
}

// EmbedResume 为一条QUEUED状态的简历生成并写入向量，然后推进到SUCCESS。
// 失败时推进到ERROR并上抛。嵌入消费者和内联路径共用这一个入口。
func (p *ResumeProcessor) EmbedResume(ctx context.Context, resumeID uint) error {
	ctx, span := processorTracer.Start(ctx, "ResumeProcessor.EmbedResume")
	defer span.End()
	span.SetAttributes(attribute.Int64("resume.id", int64(resumeID)))

	file, err := p.components.Store.GetResumeFile(ctx, resumeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError(fmt.Sprintf("%d", resumeID), "简历文件不存在")
		}
		return NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	switch file.Status {
	case constants.StatusSuccess:
		// 消息重复投递：简历已完成嵌入，直接确认
		p.logger.Printf("[Processor] 简历 %d 已是SUCCESS，跳过重复嵌入", resumeID)
		return nil
	case constants.StatusError:
		// 重投的失败任务：先回到QUEUED再重试，状态机只从QUEUED推进到终态
		if err := p.lifecycle.Requeue(ctx, resumeID); err != nil {
			return err
		}
	}

	var candidate types.ExtractedCandidate
	if err := json.Unmarshal(file.ExtractedJSON, &candidate); err != nil {
		p.markError(ctx, resumeID)
		return NewValidationError(fmt.Sprintf("%d", resumeID), fmt.Sprintf("抽取快照损坏: %v", err))
	}

	err = p.upserter.Upsert(ctx, file.PersonID, resumeID,
		candidate.Skills, candidate.YearsOfExperience,
		candidate.SkillsDescription, candidate.WorkDescription)
	if err != nil {
		p.markError(ctx, resumeID)
		span.SetStatus(codes.Error, "embedding upsert failed")
		return err
	}

	if err := p.lifecycle.Advance(ctx, resumeID, constants.StatusSuccess); err != nil {
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// HandleEmbedTask 消息队列消费者入口。返回true表示ack；
// 校验类失败也ack（重投不会变好），只有瞬时故障才nack重投。
func (p *ResumeProcessor) HandleEmbedTask(body []byte) bool {
	var msg storage.EmbedTaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		p.logger.Printf("[Processor] 嵌入任务消息格式错误，丢弃: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := p.EmbedResume(ctx, msg.ResumeID); err != nil {
		if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrConflictingState) {
			p.logger.Printf("[Processor] 嵌入任务 resume=%d 不可重试，丢弃: %v", msg.ResumeID, err)
			return true
		}
		p.logger.Printf("[Processor] 嵌入任务 resume=%d 失败，重新投递: %v", msg.ResumeID, err)
		return false
	}
	return true
}

// ProcessBatch 逐个处理一批文档。单个文档的失败被跳过并记录在报告里，
// 绝不中断批次，也绝不静默丢弃。
func (p *ResumeProcessor) ProcessBatch(ctx context.Context, docs []*types.IngestedDocument) *types.BatchReport {
	report := &types.BatchReport{Total: len(docs)}
	for _, doc := range docs {
		item := types.BatchItemResult{FileName: docName(doc)}

		outcome, err := p.ProcessDocument(ctx, doc)
		if err != nil {
			item.Status = "failed"
			item.Reason = err.Error()
			if outcome != nil {
				item.PersonID = outcome.PersonID
				item.ResumeID = outcome.ResumeID
			}
			report.Failed++
		} else {
			item.Status = "processed"
			item.PersonID = outcome.PersonID
			item.ResumeID = outcome.ResumeID
			report.Processed++
		}
		report.Items = append(report.Items, item)
	}
	return report
}

// UpdateResume 用新文档内容更新一条已有简历。
// 仅SUCCESS状态允许更新；更新后简历回到QUEUED重新走嵌入。
func (p *ResumeProcessor) UpdateResume(ctx context.Context, resumeID uint, doc *types.IngestedDocument) (*ProcessOutcome, error) {
	ctx, span := processorTracer.Start(ctx, "ResumeProcessor.UpdateResume")
	defer span.End()
	span.SetAttributes(attribute.Int64("resume.id", int64(resumeID)))

	if doc == nil || doc.RawText == "" {
		return nil, NewValidationError(fmt.Sprintf("%d", resumeID), "文档原始文本为空")
	}

	file, err := p.lifecycle.EnsureUpdatable(ctx, resumeID)
	if err != nil {
		return nil, err
	}

	candidate, err := p.components.Extractor.Extract(ctx, doc.RawText)
	if err != nil {
		return nil, NewExtractionError(doc.FileName, err.Error())
	}
	snapshot, err := json.Marshal(candidate)
	if err != nil {
		return nil, NewValidationError(doc.FileName, fmt.Sprintf("序列化抽取结果失败: %v", err))
	}

	person, err := p.components.Store.GetPersonByID(ctx, file.PersonID)
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("%d", file.PersonID), err.Error())
	}

	// 人的字段与教育经历按merge规则更新，简历行本身原地覆盖
	updates := map[string]interface{}{}
	if candidate.Name != "" && candidate.Name != person.FullName {
		updates["full_name"] = candidate.Name
	}
	if candidate.Phone != "" && candidate.Phone != person.Phone {
		updates["phone"] = candidate.Phone
	}
	if candidate.Summary != "" && candidate.Summary != person.Summary {
		updates["summary"] = candidate.Summary
	}
	addedEducations := educationsToAdd(person.Educations, educationModels(candidate.Education))
	if err := p.components.Store.MergePersonRecords(ctx, person.ID, updates, addedEducations, nil); err != nil {
		return nil, NewDatabaseError(person.Email, err.Error())
	}

	fileUpdates := map[string]interface{}{
		"extracted_json": snapshot,
	}
	if doc.FileName != "" {
		fileUpdates["file_name"] = doc.FileName
	}
	if doc.SHA256 != "" {
		fileUpdates["sha256"] = doc.SHA256
	}
	if doc.StorageURI != "" {
		fileUpdates["storage_uri"] = doc.StorageURI
	}
	if err := p.components.Store.UpdateResumeFields(ctx, resumeID, fileUpdates); err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	// 回到QUEUED重新嵌入，保证向量反映最新内容
	if err := p.lifecycle.Requeue(ctx, resumeID); err != nil {
		return nil, err
	}

	outcome := &ProcessOutcome{PersonID: person.ID, ResumeID: resumeID}
	status, err := p.dispatchEmbedding(ctx, person.ID, resumeID, doc.FileName)
	outcome.Status = status
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// GetPerson 读取候选人完整记录
func (p *ResumeProcessor) GetPerson(ctx context.Context, personID uint) (*models.Person, error) {
	person, err := p.components.Store.GetPersonByID(ctx, personID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("%d", personID), "候选人不存在")
		}
		return nil, NewDatabaseError(fmt.Sprintf("%d", personID), err.Error())
	}
	return person, nil
}

// DeletePerson 删除候选人及其全部子记录，并清理向量索引中的对应点。
// 关系库删除是权威步骤；向量删除失败只记录告警，残留点由孤儿清扫回收。
func (p *ResumeProcessor) DeletePerson(ctx context.Context, personID uint) error {
	ctx, span := processorTracer.Start(ctx, "ResumeProcessor.DeletePerson",
		trace.WithAttributes(attribute.Int64("person.id", int64(personID))))
	defer span.End()

	resumeIDs, err := p.components.Store.DeletePersonCascade(ctx, personID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError(fmt.Sprintf("%d", personID), "候选人不存在")
		}
		return NewDatabaseError(fmt.Sprintf("%d", personID), err.Error())
	}

	if len(resumeIDs) > 0 {
		if err := p.components.Index.DeletePoints(ctx, resumeIDs); err != nil {
			p.logger.Printf("[Processor] 候选人 %d 的 %d 个向量点删除失败，等待清扫回收: %v",
				personID, len(resumeIDs), err)
			span.AddEvent("vector cleanup deferred to sweeper")
		}
	}
	return nil
}

// DeleteResume 删除单条简历及其向量点
func (p *ResumeProcessor) DeleteResume(ctx context.Context, resumeID uint) error {
	if err := p.components.Store.DeleteResumeFile(ctx, resumeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError(fmt.Sprintf("%d", resumeID), "简历文件不存在")
		}
		return NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}
	if err := p.components.Index.DeletePoints(ctx, []uint{resumeID}); err != nil {
		p.logger.Printf("[Processor] 简历 %d 的向量点删除失败，等待清扫回收: %v", resumeID, err)
	}
	return nil
}

// Search 过滤检索入口
func (p *ResumeProcessor) Search(ctx context.Context, queryText string, skills []string, minYearsOfExperience int, limit int) ([]types.SearchHit, error) {
	return p.searcher.Search(ctx, queryText, skills, minYearsOfExperience, limit)
}

// Requeue 显式重新处理一条终态简历
func (p *ResumeProcessor) Requeue(ctx context.Context, resumeID uint) (*ProcessOutcome, error) {
	if err := p.lifecycle.Requeue(ctx, resumeID); err != nil {
		return nil, err
	}
	file, err := p.components.Store.GetResumeFile(ctx, resumeID)
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	outcome := &ProcessOutcome{PersonID: file.PersonID, ResumeID: resumeID}
	status, err := p.dispatchEmbedding(ctx, file.PersonID, resumeID, file.FileName)
	outcome.Status = status
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// archiveOriginal 把原始文件流式上传到对象存储，返回对象key
func (p *ResumeProcessor) archiveOriginal(ctx context.Context, doc *types.IngestedDocument) (string, error) {
	if doc.FilePath == "" {
		return "", fmt.Errorf("文档没有本地路径")
	}
	f, err := os.Open(doc.FilePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(doc.FileName)
	if ext == "" {
		ext = ".pdf"
	}
	objectKey, _, err := p.components.Uploader.UploadResumeFileStreaming(ctx, uuid.NewString(), ext, f, info.Size())
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

// markError 失败路径的兜底推进，自身失败时只能记日志
func (p *ResumeProcessor) markError(ctx context.Context, resumeID uint) {
	if err := p.lifecycle.Advance(context.WithoutCancel(ctx), resumeID, constants.StatusError); err != nil {
		p.logger.Printf("[Processor] 标记简历 %d 为ERROR失败: %v", resumeID, err)
	}
}

func educationModels(entries []types.ExtractedEducation) []models.Education {
	educations := make([]models.Education, 0, len(entries))
	for _, e := range entries {
		educations = append(educations, models.Education{
			Institution: e.Institution,
			Degree:      e.Degree,
			Field:       e.Field,
			StartDate:   e.StartDate,
			EndDate:     e.EndDate,
		})
	}
	return educations
}

func docName(doc *types.IngestedDocument) string {
	if doc == nil {
		return ""
	}
	return doc.FileName
}
