package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExtractor 按文件名返回预设文本或错误
type fakeExtractor struct {
	texts map[string]string
	fails map[string]error
}

func (f *fakeExtractor) ExtractFromFile(_ context.Context, filePath string) (string, map[string]interface{}, error) {
	name := filepath.Base(filePath)
	if err, ok := f.fails[name]; ok {
		return "", nil, err
	}
	if text, ok := f.texts[name]; ok {
		return text, nil, nil
	}
	return "", nil, errors.New("文件不存在")
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocalIngestor_Ingest(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "alice.pdf", "fake pdf bytes")

	ing, err := NewLocalIngestor(&fakeExtractor{
		texts: map[string]string{"alice.pdf": "Alice Zhang\nalice@example.com"},
	}, nil)
	require.NoError(t, err)

	doc, err := ing.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "alice.pdf", doc.FileName)
	assert.Equal(t, path, doc.FilePath)
	assert.Equal(t, "Alice Zhang\nalice@example.com", doc.RawText)
	// 哈希是原始文件字节的SHA256，与提取文本无关
	assert.Len(t, doc.SHA256, 64)
}

func TestLocalIngestor_Ingest_RejectsNonPDF(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "notes.txt", "hello")

	ing, err := NewLocalIngestor(&fakeExtractor{}, nil)
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), path)
	assert.Error(t, err)
}

func TestLocalIngestor_IngestFolder_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.pdf", "a")
	writeTestFile(t, dir, "b.pdf", "b")
	writeTestFile(t, dir, "c.pdf", "c")
	writeTestFile(t, dir, "ignore.txt", "x")

	ing, err := NewLocalIngestor(&fakeExtractor{
		texts: map[string]string{"a.pdf": "文档A", "c.pdf": "文档C"},
		fails: map[string]error{"b.pdf": errors.New("解析失败")},
	}, nil)
	require.NoError(t, err)

	docs, failures, err := ing.IngestFolder(context.Background(), dir)
	require.NoError(t, err)

	// 失败的文档被跳过并上报，其余文档照常处理
	require.Len(t, docs, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, "b.pdf", failures[0].FileName)
	assert.ErrorContains(t, failures[0].Err, "解析失败")
}

func TestExtractFileID(t *testing.T) {
	id, err := ExtractFileID("https://drive.google.com/file/d/1m3yfJG7PRp4j8NaXA6dj0EDvCDKwlFcz/view?usp=sharing")
	require.NoError(t, err)
	assert.Equal(t, "1m3yfJG7PRp4j8NaXA6dj0EDvCDKwlFcz", id)

	_, err = ExtractFileID("https://example.com/resume.pdf")
	assert.Error(t, err)
}

func TestExtractFolderID(t *testing.T) {
	id, err := ExtractFolderID("https://drive.google.com/drive/folders/1D2fcO5g8laj9nAZN5x-ZxAflnQ5ZCWDW?usp=sharing")
	require.NoError(t, err)
	assert.Equal(t, "1D2fcO5g8laj9nAZN5x-ZxAflnQ5ZCWDW", id)

	_, err = ExtractFolderID("https://drive.google.com/file/d/abc/view")
	assert.Error(t, err)
}

func TestGDriveIngestor_CleanupTemp_OnlyInsideTmpDir(t *testing.T) {
	tmpDir := t.TempDir()
	ing, err := NewGDriveIngestor(&fakeExtractor{}, config.IngestConfig{TmpDir: tmpDir}, nil)
	require.NoError(t, err)

	inside := writeTestFile(t, tmpDir, "doc.pdf", "x")
	outside := writeTestFile(t, t.TempDir(), "keep.pdf", "y")

	ing.CleanupTemp(&types.IngestedDocument{FilePath: inside})
	ing.CleanupTemp(&types.IngestedDocument{FilePath: outside})

	_, err = os.Stat(inside)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(outside)
	assert.NoError(t, err)
}
