package processor

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var embeddingTracer = otel.Tracer("cv-agent-go/processor/embedding")

// BuildSynopsis 拼接技能描述和工作描述作为嵌入输入。
// 被嵌入的是这份摘要而不是简历原文，把向量空间和抽取噪声隔离开。
func BuildSynopsis(skillsDescription, workDescription string) string {
	return strings.TrimSpace(skillsDescription + " " + workDescription)
}

// EmbeddingUpserter 为一份简历生成向量并写入向量索引。
// point id 就是 ResumeFile.ID；重复upsert同一id会原子地覆盖向量和payload。
type EmbeddingUpserter struct {
	embedder TextEmbedder
	index    VectorIndex
	logger   *log.Logger
}

// NewEmbeddingUpserter 创建嵌入写入器
func NewEmbeddingUpserter(embedder TextEmbedder, index VectorIndex, logger *log.Logger) (*EmbeddingUpserter, error) {
	if embedder == nil {
		return nil, fmt.Errorf("嵌入器不能为空")
	}
	if index == nil {
		return nil, fmt.Errorf("向量索引不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &EmbeddingUpserter{embedder: embedder, index: index, logger: logger}, nil
}

// Upsert 嵌入摘要并写入一个以resumeID为键的点。
// 任何一步失败都原样上抛，由生命周期管理器转为ERROR状态，绝不吞掉。
func (u *EmbeddingUpserter) Upsert(ctx context.Context, personID uint, resumeID uint, skills []string, yearsOfExperience int, skillsDescription string, workDescription string) error {
	ctx, span := embeddingTracer.Start(ctx, "EmbeddingUpserter.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("resume.id", int64(resumeID)),
		attribute.Int64("person.id", int64(personID)),
	)

	synopsis := BuildSynopsis(skillsDescription, workDescription)
	if synopsis == "" {
		return NewValidationError(fmt.Sprintf("%d", resumeID), "技能描述与工作描述均为空，无法生成嵌入")
	}

	vectors, err := u.embedder.EmbedStrings(ctx, []string{synopsis})
	if err != nil {
		return NewEmbeddingError(fmt.Sprintf("%d", resumeID), err.Error())
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return NewEmbeddingError(fmt.Sprintf("%d", resumeID), "嵌入服务返回了空向量")
	}

	if skills == nil {
		skills = []string{}
	}
	payload := map[string]interface{}{
		"skills":              skills,
		"years_of_experience": yearsOfExperience,
		"person_id":           personID,
	}

	if err := u.index.UpsertResumePoint(ctx, resumeID, vectors[0], payload); err != nil {
		return NewVectorIndexError(fmt.Sprintf("%d", resumeID), err.Error())
	}

	u.logger.Printf("[Embedding] 简历 %d 向量已写入 (person=%d, 维度=%d)", resumeID, personID, len(vectors[0]))
	return nil
}
