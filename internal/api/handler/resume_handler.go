package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/ingest"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/processor"
	"cv-agent-go/internal/types"
)

// ResumeHandler 简历HTTP接口，负责请求解析与错误码映射，
// 业务语义全部委托给 processor.ResumeProcessor。
type ResumeHandler struct {
	cfg       *config.Config
	processor *processor.ResumeProcessor
	local     *ingest.LocalIngestor
	drive     *ingest.GDriveIngestor
	logger    *log.Logger
}

// NewResumeHandler 创建简历接口处理器。drive 可为 nil，此时Drive相关接口返回503。
func NewResumeHandler(
	cfg *config.Config,
	processorModule *processor.ResumeProcessor,
	local *ingest.LocalIngestor,
	drive *ingest.GDriveIngestor,
) *ResumeHandler {
	return &ResumeHandler{
		cfg:       cfg,
		processor: processorModule,
		local:     local,
		drive:     drive,
		logger:    log.New(os.Stdout, "[ResumeHandler] ", log.LstdFlags),
	}
}

// SearchRequest 过滤检索请求体
type SearchRequest struct {
	Query                string   `json:"query"`
	Skills               []string `json:"skills"`
	MinYearsOfExperience int      `json:"min_years_of_experience"`
	Limit                int      `json:"limit"`
}

// DriveIngestRequest Google Drive摄取请求体
type DriveIngestRequest struct {
	URL string `json:"url"`
}

// HandleUpload 处理单份简历上传。
// POST /api/v1/resumes/upload (multipart: file)
func (h *ResumeHandler) HandleUpload(ctx context.Context, c *app.RequestContext) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "文件未找到"})
		return
	}

	doc, cleanup, err := h.ingestMultipart(ctx, fileHeader)
	if err != nil {
		logger.Warn().Err(err).Str("filename", fileHeader.Filename).Msg("摄取上传文件失败")
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer cleanup()

	outcome, err := h.processor.ProcessDocument(ctx, doc)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, outcome)
}

// HandleUploadFromDrive 处理Google Drive单文件摄取。
// POST /api/v1/resumes/upload/gdrive
func (h *ResumeHandler) HandleUploadFromDrive(ctx context.Context, c *app.RequestContext) {
	if h.drive == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "Drive摄取未启用"})
		return
	}

	var req DriveIngestRequest
	if err := c.BindAndValidate(&req); err != nil || req.URL == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "url 不能为空"})
		return
	}

	doc, err := h.drive.Ingest(ctx, req.URL)
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL).Msg("Drive文件摄取失败")
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer h.drive.CleanupTemp(doc)

	outcome, err := h.processor.ProcessDocument(ctx, doc)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, outcome)
}

// HandleUploadDriveFolder 处理Google Drive文件夹批量摄取。
// 单个文件失败不阻断整体，失败项合并进批量报告。
// POST /api/v1/resumes/upload/gdrive-folder
func (h *ResumeHandler) HandleUploadDriveFolder(ctx context.Context, c *app.RequestContext) {
	if h.drive == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "Drive摄取未启用"})
		return
	}

	var req DriveIngestRequest
	if err := c.BindAndValidate(&req); err != nil || req.URL == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "url 不能为空"})
		return
	}

	docs, failures, err := h.drive.IngestFolder(ctx, req.URL)
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL).Msg("Drive文件夹枚举失败")
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer func() {
		for _, doc := range docs {
			h.drive.CleanupTemp(doc)
		}
	}()

	report := h.processor.ProcessBatch(ctx, docs)
	for _, f := range failures {
		report.AddFailure(f.FileName, f.Err.Error())
	}

	c.JSON(consts.StatusOK, report)
}

// HandleUpdateResume 用新文件覆盖一条已完成的简历记录并重新入队。
// PUT /api/v1/resumes/:resume_id (multipart: file)
func (h *ResumeHandler) HandleUpdateResume(ctx context.Context, c *app.RequestContext) {
	resumeID, ok := h.uintParam(c, "resume_id")
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "文件未找到"})
		return
	}

	doc, cleanup, err := h.ingestMultipart(ctx, fileHeader)
	if err != nil {
		logger.Warn().Err(err).Str("filename", fileHeader.Filename).Msg("摄取更新文件失败")
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer cleanup()

	outcome, err := h.processor.UpdateResume(ctx, resumeID, doc)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, outcome)
}

// HandleSearch 过滤向量检索。
// POST /api/v1/resumes/search
func (h *ResumeHandler) HandleSearch(ctx context.Context, c *app.RequestContext) {
	var req SearchRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体解析失败"})
		return
	}

	hits, err := h.processor.Search(ctx, req.Query, req.Skills, req.MinYearsOfExperience, req.Limit)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"total": len(hits),
		"hits":  hits,
	})
}

// HandleGetPerson 查询候选人档案（含教育经历与简历文件）。
// GET /api/v1/persons/:person_id
func (h *ResumeHandler) HandleGetPerson(ctx context.Context, c *app.RequestContext) {
	personID, ok := h.uintParam(c, "person_id")
	if !ok {
		return
	}

	person, err := h.processor.GetPerson(ctx, personID)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, person)
}

// HandleDeletePerson 级联删除候选人及其全部简历与向量点。
// DELETE /api/v1/persons/:person_id
func (h *ResumeHandler) HandleDeletePerson(ctx context.Context, c *app.RequestContext) {
	personID, ok := h.uintParam(c, "person_id")
	if !ok {
		return
	}

	if err := h.processor.DeletePerson(ctx, personID); err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

// HandleDeleteResume 删除单条简历记录及其向量点。
// DELETE /api/v1/resumes/:resume_id
func (h *ResumeHandler) HandleDeleteResume(ctx context.Context, c *app.RequestContext) {
	resumeID, ok := h.uintParam(c, "resume_id")
	if !ok {
		return
	}

	if err := h.processor.DeleteResume(ctx, resumeID); err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

// HandleRequeue 将终态简历重新入队并立即重算向量。
// POST /api/v1/resumes/:resume_id/requeue
func (h *ResumeHandler) HandleRequeue(ctx context.Context, c *app.RequestContext) {
	resumeID, ok := h.uintParam(c, "resume_id")
	if !ok {
		return
	}

	outcome, err := h.processor.Requeue(ctx, resumeID)
	if err != nil {
		h.writeProcessError(c, err)
		return
	}
	c.JSON(consts.StatusOK, outcome)
}

// ingestMultipart 将上传内容落盘到临时目录后走本地摄取，返回文档和临时文件清理函数。
func (h *ResumeHandler) ingestMultipart(ctx context.Context, fileHeader *multipart.FileHeader) (*types.IngestedDocument, func(), error) {
	src, err := fileHeader.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("打开上传文件失败: %w", err)
	}
	defer src.Close()

	tmpDir := h.cfg.Ingest.TmpDir
	if tmpDir == "" {
		tmpDir = "tmp"
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("创建临时目录失败: %w", err)
	}

	tmpPath := filepath.Join(tmpDir, fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(fileHeader.Filename)))
	dst, err := os.Create(tmpPath)
	if err != nil {
		return nil, nil, fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return nil, nil, fmt.Errorf("写入临时文件失败: %w", err)
	}
	dst.Close()

	cleanup := func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			h.logger.Printf("删除临时文件失败: %s: %v", tmpPath, err)
		}
	}

	doc, err := h.local.Ingest(ctx, tmpPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	// 落盘用的是随机文件名，对外保留客户端原始文件名
	doc.FileName = fileHeader.Filename
	doc.StorageURI = fileHeader.Filename
	return doc, cleanup, nil
}

// uintParam 解析路径参数为uint，失败时直接写400响应。
func (h *ResumeHandler) uintParam(c *app.RequestContext, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s 必须是正整数", name)})
		return 0, false
	}
	return uint(id), true
}

// writeProcessError 将处理器错误映射为HTTP状态码。
func (h *ResumeHandler) writeProcessError(c *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, processor.ErrValidationFailed):
		status = consts.StatusBadRequest
	case errors.Is(err, processor.ErrRecordNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, processor.ErrConflictingState):
		status = consts.StatusConflict
	}
	if status == consts.StatusInternalServerError {
		h.logger.Printf("请求处理失败: %v", err)
	}
	c.JSON(status, map[string]string{"error": err.Error()})
}
