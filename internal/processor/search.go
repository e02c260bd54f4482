package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var searchTracer = otel.Tracer("cv-agent-go/processor/search")

// SearchEngine 把"语义查询+结构化约束"翻译成向量索引查询，
// 并把命中回填为完整的候选人记录。
// 查询向量必须来自与索引时相同的嵌入实现，混用模型是正确性问题。
type SearchEngine struct {
	embedder     TextEmbedder
	index        VectorIndex
	store        IdentityStore
	defaultLimit int
	logger       *log.Logger
}

// NewSearchEngine 创建过滤检索引擎
func NewSearchEngine(embedder TextEmbedder, index VectorIndex, store IdentityStore, defaultLimit int, logger *log.Logger) (*SearchEngine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("嵌入器不能为空")
	}
	if index == nil {
		return nil, fmt.Errorf("向量索引不能为空")
	}
	if store == nil {
		return nil, fmt.Errorf("身份存储不能为空")
	}
	if defaultLimit <= 0 {
		defaultLimit = constants.DefaultSearchLimit
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SearchEngine{
		embedder:     embedder,
		index:        index,
		store:        store,
		defaultLimit: defaultLimit,
		logger:       logger,
	}, nil
}

// BuildSearchFilter 构造Qdrant过滤器：
// 工作年限是硬性门槛（must），技能交集只是排序偏好（should），
// 缺少全部请求技能的命中不会被排除。两者都未指定时返回nil，退化为纯相似度检索。
func BuildSearchFilter(skills []string, minYearsOfExperience int) map[string]interface{} {
	filter := map[string]interface{}{}

	if minYearsOfExperience > 0 {
		filter["must"] = []map[string]interface{}{
			{
				"key":   "years_of_experience",
				"range": map[string]interface{}{"gte": minYearsOfExperience},
			},
		}
	}

	var should []map[string]interface{}
	for _, skill := range skills {
		skill = strings.ToLower(strings.TrimSpace(skill))
		if skill == "" {
			continue
		}
		should = append(should, map[string]interface{}{
			"key":   "skills",
			"match": map[string]interface{}{"value": skill},
		})
	}
	if len(should) > 0 {
		filter["should"] = should
	}

	if len(filter) == 0 {
		return nil
	}
	return filter
}

// Search 执行过滤检索并回填候选人信息。
// 指向已删除记录的命中是索引滞后产生的陈旧结果，直接过滤掉而不报错。
func (s *SearchEngine) Search(ctx context.Context, queryText string, skills []string, minYearsOfExperience int, limit int) ([]types.SearchHit, error) {
	ctx, span := searchTracer.Start(ctx, "SearchEngine.Search")
	defer span.End()

	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, NewValidationError("", "查询文本不能为空")
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	span.SetAttributes(
		attribute.Int("search.limit", limit),
		attribute.Int("search.min_years", minYearsOfExperience),
		attribute.Int("search.skills", len(skills)),
	)

	vectors, err := s.embedder.EmbedStrings(ctx, []string{queryText})
	if err != nil {
		return nil, NewEmbeddingError(queryText, err.Error())
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, NewEmbeddingError(queryText, "嵌入服务返回了空向量")
	}

	filter := BuildSearchFilter(skills, minYearsOfExperience)
	results, err := s.index.SearchSimilarCandidates(ctx, vectors[0], limit, filter)
	if err != nil {
		return nil, NewVectorIndexError(queryText, err.Error())
	}

	hits := make([]types.SearchHit, 0, len(results))
	stale := 0
	for _, res := range results {
		resumeID := uint(res.ID)
		file, err := s.store.GetResumeFile(ctx, resumeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				stale++
				continue
			}
			return nil, NewDatabaseError(fmt.Sprintf("%d", resumeID), err.Error())
		}
		person, err := s.store.GetPersonByID(ctx, file.PersonID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				stale++
				continue
			}
			return nil, NewDatabaseError(fmt.Sprintf("%d", file.PersonID), err.Error())
		}

		hits = append(hits, types.SearchHit{
			ResumeID:          resumeID,
			PersonID:          person.ID,
			Score:             res.Score,
			PersonName:        person.FullName,
			PersonEmail:       person.Email,
			FileName:          file.FileName,
			Skills:            payloadSkills(res.Payload),
			YearsOfExperience: payloadInt(res.Payload, "years_of_experience"),
		})
	}

	if stale > 0 {
		s.logger.Printf("[Search] 过滤掉 %d 条陈旧命中（指向已删除的记录）", stale)
		span.SetAttributes(attribute.Int("search.stale_hits", stale))
	}
	return hits, nil
}

// payloadSkills 从payload中取出技能列表，JSON反序列化后是[]interface{}
func payloadSkills(payload map[string]interface{}) []string {
	raw, ok := payload["skills"].([]interface{})
	if !ok {
		return nil
	}
	skills := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			skills = append(skills, s)
		}
	}
	return skills
}

func payloadInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
