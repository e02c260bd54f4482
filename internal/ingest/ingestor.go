package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"cv-agent-go/internal/types"
)

// TextExtractor 从PDF文件中提取纯文本，由parser包的实现注入
type TextExtractor interface {
	ExtractFromFile(ctx context.Context, filePath string) (string, map[string]interface{}, error)
}

// Ingestor 摄取器接口：把一个来源定位符变成可处理的简历文档。
// 批量摄取时单个文档的失败不会中断整个批次，失败项单独上报。
type Ingestor interface {
	Ingest(ctx context.Context, locator string) (*types.IngestedDocument, error)
	IngestFolder(ctx context.Context, locator string) ([]*types.IngestedDocument, []ItemFailure, error)
}

// ItemFailure 批量摄取中单个文档的失败记录
type ItemFailure struct {
	FileName string
	Err      error
}

// LocalIngestor 摄取本地文件系统中的简历文件
type LocalIngestor struct {
	extractor TextExtractor
	logger    *log.Logger
}

var _ Ingestor = (*LocalIngestor)(nil)

// NewLocalIngestor 创建本地文件摄取器
func NewLocalIngestor(extractor TextExtractor, logger *log.Logger) (*LocalIngestor, error) {
	if extractor == nil {
		return nil, fmt.Errorf("文本提取器不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LocalIngestor{
		extractor: extractor,
		logger:    logger,
	}, nil
}

// Ingest 摄取单个本地PDF文件
func (l *LocalIngestor) Ingest(ctx context.Context, filePath string) (*types.IngestedDocument, error) {
	if !isPDF(filePath) {
		return nil, fmt.Errorf("不支持的文件类型: %s", filepath.Ext(filePath))
	}

	rawText, _, err := l.extractor.ExtractFromFile(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("提取文件 '%s' 文本失败: %w", filePath, err)
	}

	shaHex, err := fileSHA256(filePath)
	if err != nil {
		return nil, fmt.Errorf("计算文件 '%s' 哈希失败: %w", filePath, err)
	}

	return &types.IngestedDocument{
		FileName:   filepath.Base(filePath),
		FilePath:   filePath,
		StorageURI: filePath,
		RawText:    rawText,
		SHA256:     shaHex,
	}, nil
}

// IngestFolder 摄取目录下的所有PDF文件，单个文件失败不会中断批次
func (l *LocalIngestor) IngestFolder(ctx context.Context, folderPath string) ([]*types.IngestedDocument, []ItemFailure, error) {
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, nil, fmt.Errorf("读取目录 '%s' 失败: %w", folderPath, err)
	}

	var docs []*types.IngestedDocument
	var failures []ItemFailure
	for _, entry := range entries {
		if entry.IsDir() || !isPDF(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return docs, failures, err
		}

		doc, err := l.Ingest(ctx, filepath.Join(folderPath, entry.Name()))
		if err != nil {
			l.logger.Printf("[LocalIngestor] 处理文件 %s 失败: %v", entry.Name(), err)
			failures = append(failures, ItemFailure{FileName: entry.Name(), Err: err})
			continue
		}
		docs = append(docs, doc)
	}

	l.logger.Printf("[LocalIngestor] 目录 %s 摄取完成: 成功 %d, 失败 %d", folderPath, len(docs), len(failures))
	return docs, failures, nil
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func fileSHA256(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
