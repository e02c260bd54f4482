package parser

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPDFBytes 不是合法PDF，用于验证错误路径不崩溃且元数据被透传
var mockPDFBytes = []byte("%PDF-1.5\nMock PDF content for testing\nThis is not a real PDF file\n")

func TestNewEinoPDFTextExtractor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err, "创建PDF提取器不应返回错误")
	require.NotNil(t, extractor, "创建的PDF提取器不应为nil")
	require.NotNil(t, extractor.parser, "PDF提取器内部的parser不应为nil")
	require.NotNil(t, extractor.logger, "PDF提取器应该有默认的logger")

	// 测试带自定义logger的创建
	customLogger := log.New(os.Stdout, "[测试PDF提取器] ", log.LstdFlags)
	extractorWithCustomLogger, err := NewEinoPDFTextExtractor(ctx, WithEinoLogger(customLogger))
	require.NoError(t, err, "创建带自定义logger的PDF提取器不应返回错误")
	require.Equal(t, customLogger, extractorWithCustomLogger.logger, "应该使用提供的自定义logger")
}

func TestExtractTextFromBytes_InvalidData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err, "创建PDF提取器不应返回错误")

	_, metadata, err := extractor.ExtractTextFromBytes(ctx, mockPDFBytes, "mock_pdf.pdf", map[string]interface{}{
		"mock_test": true,
		"test_id":   "mock_test_001",
	})

	// 坏数据必须以错误上报，不能静默返回空文本
	require.Error(t, err, "解析非法PDF数据应该返回错误")
	assert.Contains(t, err.Error(), "mock_pdf.pdf", "错误消息应携带URI")

	// 失败路径也要把调用方传入的元数据带回去
	require.NotNil(t, metadata, "错误时元数据也不应为nil")
	assert.Equal(t, true, metadata["mock_test"], "元数据应包含我们传入的值")
	assert.Equal(t, "mock_test_001", metadata["test_id"], "元数据应包含我们传入的值")
}

func TestExtractTextFromReader_NonMapOptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err, "创建PDF提取器不应返回错误")

	// options不是map时被包装进original_options而不是被丢弃
	tempFile := filepath.Join(t.TempDir(), "bad.pdf")
	require.NoError(t, os.WriteFile(tempFile, mockPDFBytes, 0o644))
	file, err := os.Open(tempFile)
	require.NoError(t, err)
	defer file.Close()

	_, metadata, err := extractor.ExtractTextFromReader(ctx, file, "bad.pdf", "自由文本选项")
	require.Error(t, err)
	require.NotNil(t, metadata)
	assert.Equal(t, "自由文本选项", metadata["original_options"])
}

func TestExtractFromFile_EmptyFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err, "创建PDF提取器不应返回错误")

	tempFile := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(tempFile, nil, 0o644))

	text, _, err := extractor.ExtractFromFile(ctx, tempFile)
	require.Error(t, err, "空文件无法解析，应该返回错误")
	assert.Empty(t, text)
}

func TestExtractFromFile_NonExistentFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err, "创建PDF提取器不应返回错误")

	nonExistentPath := filepath.Join(t.TempDir(), "missing-"+time.Now().Format("20060102150405")+".pdf")

	_, _, err = extractor.ExtractFromFile(ctx, nonExistentPath)
	require.Error(t, err, "从不存在的文件提取应该返回错误")
	assert.Contains(t, err.Error(), "failed to open PDF file", "错误消息应该指示文件打开失败")
}
