package processor

import (
	"context"
	"testing"

	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/storage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSearchFilter_MustAndShould(t *testing.T) {
	filter := BuildSearchFilter([]string{"Python", " golang "}, 5)
	require.NotNil(t, filter)

	// 工作年限是must（硬性门槛）
	must, ok := filter["must"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, must, 1)
	assert.Equal(t, "years_of_experience", must[0]["key"])
	assert.Equal(t, map[string]interface{}{"gte": 5}, must[0]["range"])

	// 技能是should（排序偏好），且已小写归一
	should, ok := filter["should"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, should, 2)
	assert.Equal(t, map[string]interface{}{"value": "python"}, should[0]["match"])
	assert.Equal(t, map[string]interface{}{"value": "golang"}, should[1]["match"])
}

func TestBuildSearchFilter_OnlySkills(t *testing.T) {
	filter := BuildSearchFilter([]string{"java"}, 0)
	require.NotNil(t, filter)
	_, hasMust := filter["must"]
	assert.False(t, hasMust)
	assert.Contains(t, filter, "should")
}

func TestBuildSearchFilter_EmptyMeansNil(t *testing.T) {
	// 两类约束都未指定时退化为纯相似度检索
	assert.Nil(t, BuildSearchFilter(nil, 0))
	assert.Nil(t, BuildSearchFilter([]string{"  "}, 0))
}

func newSearchFixture(t *testing.T) (*SearchEngine, *MockIdentityStore, *MockVectorIndex) {
	t.Helper()
	store := NewMockIdentityStore()
	index := NewMockVectorIndex()
	engine, err := NewSearchEngine(&MockEmbedder{}, index, store, 5, nil)
	require.NoError(t, err)
	return engine, store, index
}

func TestSearchEngine_HydratesHits(t *testing.T) {
	engine, store, index := newSearchFixture(t)

	person := &models.Person{
		FullName:    "Alice Zhang",
		Email:       "alice@x.com",
		ResumeFiles: []models.ResumeFile{{FileName: "alice.pdf", Status: "SUCCESS"}},
	}
	require.NoError(t, store.CreatePersonWithChildren(context.Background(), person))
	resumeID := person.ResumeFiles[0].ID

	index.results = []storage.SearchResult{
		{
			ID:    uint64(resumeID),
			Score: 0.92,
			Payload: map[string]interface{}{
				"skills":              []interface{}{"golang", "mysql"},
				"years_of_experience": float64(7),
				"person_id":           float64(person.ID),
			},
		},
	}

	hits, err := engine.Search(context.Background(), "后端工程师", []string{"golang"}, 3, 0)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, resumeID, hits[0].ResumeID)
	assert.Equal(t, person.ID, hits[0].PersonID)
	assert.Equal(t, "Alice Zhang", hits[0].PersonName)
	assert.Equal(t, "alice@x.com", hits[0].PersonEmail)
	assert.Equal(t, "alice.pdf", hits[0].FileName)
	assert.Equal(t, []string{"golang", "mysql"}, hits[0].Skills)
	assert.Equal(t, 7, hits[0].YearsOfExperience)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-6)

	// limit缺省时使用配置的默认值
	assert.Equal(t, 5, index.lastLimit)
	// filter被透传给向量索引
	require.NotNil(t, index.lastFilter)
	assert.Contains(t, index.lastFilter, "must")
}

func TestSearchEngine_FiltersStaleHits(t *testing.T) {
	engine, store, index := newSearchFixture(t)

	person := &models.Person{
		FullName:    "Bob",
		Email:       "bob@x.com",
		ResumeFiles: []models.ResumeFile{{FileName: "bob.pdf", Status: "SUCCESS"}},
	}
	require.NoError(t, store.CreatePersonWithChildren(context.Background(), person))
	liveID := person.ResumeFiles[0].ID

	// 42指向早已删除的简历：孤儿向量的命中必须被过滤而不是报错
	index.results = []storage.SearchResult{
		{ID: 42, Score: 0.99, Payload: map[string]interface{}{}},
		{ID: uint64(liveID), Score: 0.8, Payload: map[string]interface{}{}},
	}

	hits, err := engine.Search(context.Background(), "任意查询", nil, 0, 10)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, liveID, hits[0].ResumeID)
	// 无约束时不构造filter
	assert.Nil(t, index.lastFilter)
}

func TestSearchEngine_EmptyQueryRejected(t *testing.T) {
	engine, _, _ := newSearchFixture(t)
	_, err := engine.Search(context.Background(), "   ", nil, 0, 0)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestBuildSynopsis(t *testing.T) {
	assert.Equal(t, "golang后端 五年微服务经验", BuildSynopsis("golang后端", "五年微服务经验"))
	assert.Equal(t, "只有技能", BuildSynopsis("只有技能", ""))
	assert.Equal(t, "", BuildSynopsis("", " "))
}
