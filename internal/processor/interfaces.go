package processor

import (
	"context"
	"io"
	"time"

	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/storage/models"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
)

//
// 协作方接口：处理器只依赖这些最小接口，便于单元测试时替换实现
//

// IdentityStore 关系库身份存储，邮箱唯一约束是"候选人是否已存在"的唯一裁决者
type IdentityStore interface {
	CreatePersonWithChildren(ctx context.Context, person *models.Person) error
	GetPersonByEmail(ctx context.Context, email string) (*models.Person, error)
	GetPersonByID(ctx context.Context, id uint) (*models.Person, error)
	MergePersonRecords(ctx context.Context, personID uint, updates map[string]interface{}, newEducations []models.Education, newFiles []*models.ResumeFile) error
	UpdatePersonFields(ctx context.Context, personID uint, updates map[string]interface{}) error
	GetResumeFile(ctx context.Context, id uint) (*models.ResumeFile, error)
	UpdateResumeStatus(ctx context.Context, id uint, status string) error
	UpdateResumeFields(ctx context.Context, id uint, updates map[string]interface{}) error
	DeletePersonCascade(ctx context.Context, personID uint) ([]uint, error)
	DeleteResumeFile(ctx context.Context, id uint) error
	ExistingResumeIDs(ctx context.Context, ids []uint) (map[uint]bool, error)
}

// VectorIndex 向量索引，point id 与 ResumeFile.ID 是同一个标识
type VectorIndex interface {
	UpsertResumePoint(ctx context.Context, resumeID uint, vector []float64, payload map[string]interface{}) error
	SearchSimilarCandidates(ctx context.Context, queryVector []float64, limit int, filter map[string]interface{}) ([]storage.SearchResult, error)
	DeletePoints(ctx context.Context, resumeIDs []uint) error
}

// CandidateExtractor 从原始文本抽取结构化候选人信息，失败直接上抛不重试
type CandidateExtractor interface {
	Extract(ctx context.Context, rawText string) (*types.ExtractedCandidate, error)
}

// TextEmbedder 文本向量化，索引与查询必须使用同一实现
type TextEmbedder interface {
	GetDimensions() int
	EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)
}

// EmailLocker 按规范化邮箱串行化create分支，防止并发上传产生重复候选人
type EmailLocker interface {
	AcquireEmailLock(ctx context.Context, email string, expiration time.Duration) (string, error)
	ReleaseEmailLock(ctx context.Context, email string, lockValue string) (bool, error)
}

// FileDeduper 记录已见过的文件哈希；重复只做标记，不阻止上传
type FileDeduper interface {
	CheckAndAddFileSHA256(ctx context.Context, sha256Hex string) (bool, error)
}

// TaskPublisher 把QUEUED状态的简历投递给嵌入消费者
type TaskPublisher interface {
	PublishEmbedTask(ctx context.Context, msg *storage.EmbedTaskMessage) error
}

// ObjectUploader 原始简历文件的对象存储
type ObjectUploader interface {
	UploadResumeFileStreaming(ctx context.Context, uploadID string, fileExt string, reader io.Reader, fileSize int64) (string, string, error)
}

// Ingestor 摄取器：把来源定位符变成可处理的文档
type Ingestor interface {
	Ingest(ctx context.Context, locator string) (*types.IngestedDocument, error)
}
