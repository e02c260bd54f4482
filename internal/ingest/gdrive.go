package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const gdriveDownloadURLFormat = "https://drive.google.com/uc?export=download&id=%s"

var (
	gdriveFileIDPattern   = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
	gdriveFolderIDPattern = regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`)
	// 文件夹视图页面里每个文件条目都带 /file/d/<id> 链接
	gdriveFolderEntryPattern = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)

	gdriveTracer = otel.Tracer("cv-agent-go/ingest/gdrive")
)

// GDriveIngestor 从Google Drive分享链接摄取简历文件。
// 文件先下载到临时目录，处理完成后由调用方通过 CleanupTemp 清理。
type GDriveIngestor struct {
	extractor  TextExtractor
	httpClient *http.Client
	tmpDir     string
	logger     *log.Logger
}

var _ Ingestor = (*GDriveIngestor)(nil)

// NewGDriveIngestor 创建Google Drive摄取器
func NewGDriveIngestor(extractor TextExtractor, cfg config.IngestConfig, logger *log.Logger) (*GDriveIngestor, error) {
	if extractor == nil {
		return nil, fmt.Errorf("文本提取器不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	tmpDir := cfg.TmpDir
	if tmpDir == "" {
		tmpDir = "tmp"
	}
	timeout := time.Duration(cfg.DownloadTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &GDriveIngestor{
		extractor:  extractor,
		httpClient: &http.Client{Timeout: timeout},
		tmpDir:     tmpDir,
		logger:     logger,
	}, nil
}

// Ingest 下载分享链接指向的文件并提取文本。
// StorageURI 记录直链下载地址，FilePath 指向本地临时文件。
func (g *GDriveIngestor) Ingest(ctx context.Context, shareURL string) (*types.IngestedDocument, error) {
	fileID, err := ExtractFileID(shareURL)
	if err != nil {
		return nil, err
	}
	return g.ingestByFileID(ctx, fileID)
}

// IngestFolder 摄取分享文件夹下的所有文件，单个文件失败不会中断批次。
// 通过文件夹的嵌入视图页面枚举文件ID，无需Drive API凭据。
func (g *GDriveIngestor) IngestFolder(ctx context.Context, folderURL string) ([]*types.IngestedDocument, []ItemFailure, error) {
	folderID, err := ExtractFolderID(folderURL)
	if err != nil {
		return nil, nil, err
	}

	fileIDs, err := g.listFolderFileIDs(ctx, folderID)
	if err != nil {
		return nil, nil, fmt.Errorf("枚举文件夹 '%s' 失败: %w", folderID, err)
	}
	if len(fileIDs) == 0 {
		return nil, nil, nil
	}

	var docs []*types.IngestedDocument
	var failures []ItemFailure
	for _, fileID := range fileIDs {
		if err := ctx.Err(); err != nil {
			return docs, failures, err
		}
		doc, err := g.ingestByFileID(ctx, fileID)
		if err != nil {
			g.logger.Printf("[GDriveIngestor] 处理文件 %s 失败: %v", fileID, err)
			failures = append(failures, ItemFailure{FileName: fileID + ".pdf", Err: err})
			continue
		}
		docs = append(docs, doc)
	}

	g.logger.Printf("[GDriveIngestor] 文件夹 %s 摄取完成: 成功 %d, 失败 %d", folderID, len(docs), len(failures))
	return docs, failures, nil
}

// CleanupTemp 删除摄取时落盘的临时文件，只清理位于临时目录内的路径
func (g *GDriveIngestor) CleanupTemp(doc *types.IngestedDocument) {
	if doc == nil || doc.FilePath == "" {
		return
	}
	absTmp, err := filepath.Abs(g.tmpDir)
	if err != nil {
		return
	}
	absFile, err := filepath.Abs(doc.FilePath)
	if err != nil || filepath.Dir(absFile) != absTmp {
		return
	}
	if err := os.Remove(absFile); err != nil && !os.IsNotExist(err) {
		g.logger.Printf("[GDriveIngestor] 清理临时文件 %s 失败: %v", absFile, err)
	}
}

func (g *GDriveIngestor) ingestByFileID(ctx context.Context, fileID string) (*types.IngestedDocument, error) {
	filePath, downloadURL, shaHex, err := g.downloadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	rawText, _, err := g.extractor.ExtractFromFile(ctx, filePath)
	if err != nil {
		// 提取失败时立即清理，不把坏文件留在临时目录
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("提取文件 '%s' 文本失败: %w", fileID, err)
	}

	return &types.IngestedDocument{
		FileName:   fileID + ".pdf",
		FilePath:   filePath,
		StorageURI: downloadURL,
		RawText:    rawText,
		SHA256:     shaHex,
	}, nil
}

// downloadFile 把Drive文件下载到临时目录，返回本地路径、直链地址和内容哈希
func (g *GDriveIngestor) downloadFile(ctx context.Context, fileID string) (string, string, string, error) {
	ctx, span := gdriveTracer.Start(ctx, "GDriveIngestor.downloadFile",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gdrive.file_id", fileID)))
	defer span.End()

	if err := os.MkdirAll(g.tmpDir, 0o755); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return "", "", "", fmt.Errorf("创建临时目录 '%s' 失败: %w", g.tmpDir, err)
	}

	downloadURL := fmt.Sprintf(gdriveDownloadURLFormat, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return "", "", "", fmt.Errorf("创建下载请求失败: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return "", "", "", fmt.Errorf("下载文件 '%s' 失败: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("下载文件 '%s' 失败，状态码: %d", fileID, resp.StatusCode)
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return "", "", "", err
	}

	filePath := filepath.Join(g.tmpDir, fmt.Sprintf("%s_%s.pdf", uuid.NewString(), fileID))
	out, err := os.Create(filePath)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return "", "", "", fmt.Errorf("创建临时文件失败: %w", err)
	}

	h := sha256.New()
	written, err := io.Copy(out, io.TeeReader(resp.Body, h))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(filePath)
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return "", "", "", fmt.Errorf("写入临时文件失败: %w", err)
	}

	span.SetAttributes(attribute.Int64("gdrive.bytes_written", written))
	g.logger.Printf("[GDriveIngestor] 已下载文件 %s (%d 字节) 到 %s", fileID, written, filePath)
	return filePath, downloadURL, hex.EncodeToString(h.Sum(nil)), nil
}

// listFolderFileIDs 抓取文件夹嵌入视图并提取其中的文件ID
func (g *GDriveIngestor) listFolderFileIDs(ctx context.Context, folderID string) ([]string, error) {
	viewURL := fmt.Sprintf("https://drive.google.com/embeddedfolderview?id=%s#list", folderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, viewURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("获取文件夹视图失败，状态码: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	matches := gdriveFolderEntryPattern.FindAllStringSubmatch(string(body), -1)
	seen := make(map[string]struct{}, len(matches))
	var fileIDs []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		fileIDs = append(fileIDs, m[1])
	}
	return fileIDs, nil
}

// ExtractFileID 从分享链接中解析文件ID
func ExtractFileID(shareURL string) (string, error) {
	m := gdriveFileIDPattern.FindStringSubmatch(shareURL)
	if m == nil {
		return "", fmt.Errorf("无效的Google Drive链接格式: %s", shareURL)
	}
	return m[1], nil
}

// ExtractFolderID 从文件夹分享链接中解析文件夹ID
func ExtractFolderID(folderURL string) (string, error) {
	m := gdriveFolderIDPattern.FindStringSubmatch(folderURL)
	if m == nil {
		return "", fmt.Errorf("无效的Google Drive文件夹链接格式: %s", folderURL)
	}
	return m[1], nil
}
