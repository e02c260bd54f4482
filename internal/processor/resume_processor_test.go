package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessorFixture(t *testing.T, mutate func(*Components)) (*ResumeProcessor, *MockIdentityStore, *MockVectorIndex) {
	t.Helper()
	store := NewMockIdentityStore()
	index := NewMockVectorIndex()
	components := Components{
		Store: store,
		Index: index,
		Extractor: &MockExtractor{candidates: map[string]*types.ExtractedCandidate{
			"alice raw": {
				Name:              "Alice Zhang",
				Email:             "alice@x.com",
				Skills:            []string{"golang", "mysql"},
				YearsOfExperience: 7,
				SkillsDescription: "golang后端",
				WorkDescription:   "七年微服务经验",
			},
		}},
		Embedder: &MockEmbedder{},
		Locker:   &MockEmailLocker{},
		Deduper:  &MockDeduper{},
	}
	if mutate != nil {
		mutate(&components)
	}

	p, err := NewResumeProcessor(components, 5, nil)
	require.NoError(t, err)
	return p, store, index
}

func aliceDoc() *types.IngestedDocument {
	return &types.IngestedDocument{
		FileName:   "alice.pdf",
		StorageURI: "resumes/alice.pdf",
		RawText:    "alice raw",
		SHA256:     "aaaa",
	}
}

func TestProcessDocument_InlinePipeline(t *testing.T) {
	p, store, index := newProcessorFixture(t, nil)

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.Equal(t, constants.StatusSuccess, outcome.Status)

	// 简历行落在终态
	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, file.Status)

	// 向量点以resumeID为键，payload携带过滤字段
	payload, ok := index.points[outcome.ResumeID]
	require.True(t, ok)
	assert.Equal(t, 7, payload["years_of_experience"])
	assert.Equal(t, outcome.PersonID, payload["person_id"])

	// 抽取快照被完整保存
	var snapshot types.ExtractedCandidate
	require.NoError(t, json.Unmarshal(file.ExtractedJSON, &snapshot))
	assert.Equal(t, "Alice Zhang", snapshot.Name)
}

func TestProcessDocument_QueuePath(t *testing.T) {
	publisher := &MockPublisher{}
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Publisher = publisher
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	// 异步路径：任务已投递，简历仍为QUEUED
	assert.Equal(t, constants.StatusQueued, outcome.Status)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, outcome.ResumeID, publisher.messages[0].ResumeID)

	// 消费者处理后推进到SUCCESS
	body, err := json.Marshal(publisher.messages[0])
	require.NoError(t, err)
	assert.True(t, p.HandleEmbedTask(body))

	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, file.Status)
}

func TestProcessDocument_ExtractionFailureWritesNothing(t *testing.T) {
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Extractor = &MockExtractor{err: errors.New("服务不可用")}
	})

	_, err := p.ProcessDocument(context.Background(), aliceDoc())
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Empty(t, store.persons)
	assert.Empty(t, store.files)
}

func TestProcessDocument_MissingEmailRejected(t *testing.T) {
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Extractor = &MockExtractor{candidates: map[string]*types.ExtractedCandidate{
			"alice raw": {Name: "某人", Email: "  "},
		}}
	})

	_, err := p.ProcessDocument(context.Background(), aliceDoc())
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Empty(t, store.persons)
}

func TestProcessDocument_EmbeddingFailureEndsInError(t *testing.T) {
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Embedder = &MockEmbedder{err: errors.New("配额耗尽")}
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	// 活性保证：尝试结束后简历不会停留在QUEUED
	require.NotNil(t, outcome)
	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusError, file.Status)
}

func TestProcessDocument_DuplicateUploadStillAppends(t *testing.T) {
	p, store, _ := newProcessorFixture(t, nil)

	first, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)
	second, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	// 重复哈希只做标记，简历文件从不去重
	assert.False(t, first.DuplicateUpload)
	assert.True(t, second.DuplicateUpload)
	assert.NotEqual(t, first.ResumeID, second.ResumeID)

	person, err := store.GetPersonByID(context.Background(), first.PersonID)
	require.NoError(t, err)
	assert.Len(t, person.ResumeFiles, 2)
}

func TestProcessBatch_FailureSkippedAndReported(t *testing.T) {
	p, _, _ := newProcessorFixture(t, func(c *Components) {
		c.Extractor = &MockExtractor{candidates: map[string]*types.ExtractedCandidate{
			"doc1": {Name: "甲", Email: "a@x.com", SkillsDescription: "s", WorkDescription: "w"},
			"doc3": {Name: "丙", Email: "c@x.com", SkillsDescription: "s", WorkDescription: "w"},
		}}
	})

	docs := []*types.IngestedDocument{
		{FileName: "1.pdf", RawText: "doc1", SHA256: "h1"},
		{FileName: "2.pdf", RawText: "doc2", SHA256: "h2"}, // 抽取器没有预设，失败
		{FileName: "3.pdf", RawText: "doc3", SHA256: "h3"},
	}
	report := p.ProcessBatch(context.Background(), docs)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Items, 3)
	assert.Equal(t, "failed", report.Items[1].Status)
	assert.NotEmpty(t, report.Items[1].Reason)
	assert.Equal(t, "processed", report.Items[0].Status)
	assert.Equal(t, "processed", report.Items[2].Status)
}

func TestUpdateResume_OnlyFromSuccess(t *testing.T) {
	p, store, _ := newProcessorFixture(t, nil)

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	// SUCCESS状态允许更新，更新后重新嵌入并回到SUCCESS
	updated, err := p.UpdateResume(context.Background(), outcome.ResumeID, &types.IngestedDocument{
		FileName: "alice_v2.pdf",
		RawText:  "alice raw",
		SHA256:   "bbbb",
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, updated.Status)

	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, "alice_v2.pdf", file.FileName)
	assert.Equal(t, "bbbb", file.SHA256)

	// 非SUCCESS状态的更新被拒绝
	require.NoError(t, store.UpdateResumeStatus(context.Background(), outcome.ResumeID, constants.StatusError))
	_, err = p.UpdateResume(context.Background(), outcome.ResumeID, &types.IngestedDocument{
		FileName: "alice_v3.pdf",
		RawText:  "alice raw",
	})
	assert.ErrorIs(t, err, ErrConflictingState)
}

func TestUpdateResume_CorrectedNameApplied(t *testing.T) {
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Extractor = &MockExtractor{candidates: map[string]*types.ExtractedCandidate{
			"alice raw": {
				Name:              "Alice Zhang",
				Email:             "alice@x.com",
				SkillsDescription: "golang后端",
				WorkDescription:   "七年微服务经验",
			},
			"alice raw fixed": {
				Name:              "Alice Y. Zhang",
				Email:             "alice@x.com",
				Phone:             "13900000000",
				SkillsDescription: "golang后端",
				WorkDescription:   "七年微服务经验",
			},
		}}
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	// 重传修正过姓名的简历：姓名和电话与首次摄取走同一套merge规则
	_, err = p.UpdateResume(context.Background(), outcome.ResumeID, &types.IngestedDocument{
		FileName: "alice_fixed.pdf",
		RawText:  "alice raw fixed",
	})
	require.NoError(t, err)

	person, err := store.GetPersonByID(context.Background(), outcome.PersonID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Y. Zhang", person.FullName)
	assert.Equal(t, "13900000000", person.Phone)
}

func TestUpdateResume_ReembedReplacesPoint(t *testing.T) {
	p, _, index := newProcessorFixture(t, func(c *Components) {
		c.Extractor = &MockExtractor{candidates: map[string]*types.ExtractedCandidate{
			"alice raw": {
				Name:              "Alice Zhang",
				Email:             "alice@x.com",
				Skills:            []string{"golang"},
				YearsOfExperience: 7,
				SkillsDescription: "golang后端",
				WorkDescription:   "七年微服务经验",
			},
			"alice raw v2": {
				Name:              "Alice Zhang",
				Email:             "alice@x.com",
				Skills:            []string{"golang", "kubernetes"},
				YearsOfExperience: 9,
				SkillsDescription: "golang与云原生",
				WorkDescription:   "九年微服务经验",
			},
		}}
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)
	require.Len(t, index.points, 1)
	assert.Equal(t, 7, index.points[outcome.ResumeID]["years_of_experience"])

	_, err = p.UpdateResume(context.Background(), outcome.ResumeID, &types.IngestedDocument{
		FileName: "alice_v2.pdf",
		RawText:  "alice raw v2",
		SHA256:   "bbbb",
	})
	require.NoError(t, err)

	// 重新嵌入复用同一个point id：索引里仍只有一个点，载荷是最新内容
	require.Len(t, index.points, 1)
	payload, ok := index.points[outcome.ResumeID]
	require.True(t, ok)
	assert.Equal(t, 9, payload["years_of_experience"])
	assert.Contains(t, payload["skills"], "kubernetes")
}

func TestDeletePerson_CascadesToVectorIndex(t *testing.T) {
	p, store, index := newProcessorFixture(t, nil)

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)
	require.Contains(t, index.points, outcome.ResumeID)

	require.NoError(t, p.DeletePerson(context.Background(), outcome.PersonID))

	// 关系库与向量索引都不再有痕迹
	assert.Empty(t, store.persons)
	assert.Empty(t, store.files)
	assert.NotContains(t, index.points, outcome.ResumeID)
	assert.Contains(t, index.deleted, outcome.ResumeID)
}

func TestDeletePerson_UnknownIDIsNotFound(t *testing.T) {
	p, _, _ := newProcessorFixture(t, nil)
	err := p.DeletePerson(context.Background(), 777)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteResume_RemovesPoint(t *testing.T) {
	p, store, index := newProcessorFixture(t, nil)

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	require.NoError(t, p.DeleteResume(context.Background(), outcome.ResumeID))
	_, err = store.GetResumeFile(context.Background(), outcome.ResumeID)
	assert.Error(t, err)
	assert.NotContains(t, index.points, outcome.ResumeID)
}

func TestRequeue_ReprocessesTerminalResume(t *testing.T) {
	p, store, _ := newProcessorFixture(t, nil)

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	requeued, err := p.Requeue(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, requeued.Status)

	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, file.Status)
}

func TestHandleEmbedTask_MalformedMessageDropped(t *testing.T) {
	p, _, _ := newProcessorFixture(t, nil)
	assert.True(t, p.HandleEmbedTask([]byte("{not json")))
}

func TestHandleEmbedTask_TransientFailureNacked(t *testing.T) {
	publisher := &MockPublisher{}
	index := NewMockVectorIndex()
	index.failUpsert = errors.New("连接超时")
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Publisher = publisher
		c.Index = index
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)

	body, err := json.Marshal(publisher.messages[0])
	require.NoError(t, err)

	// 向量写入失败：重新投递，且该次尝试以ERROR落地
	assert.False(t, p.HandleEmbedTask(body))
	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusError, file.Status)
}

func TestHandleEmbedTask_RedeliveryAfterRecovery(t *testing.T) {
	publisher := &MockPublisher{}
	index := NewMockVectorIndex()
	index.failUpsert = errors.New("连接超时")
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Publisher = publisher
		c.Index = index
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)
	body, err := json.Marshal(publisher.messages[0])
	require.NoError(t, err)

	// 第一次消费失败落到ERROR并nack
	assert.False(t, p.HandleEmbedTask(body))

	// 故障恢复后的重投必须能打通：简历回到队列重试并推进到SUCCESS，
	// 向量点与SUCCESS状态同时成立
	index.failUpsert = nil
	assert.True(t, p.HandleEmbedTask(body))

	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, file.Status)
	assert.Contains(t, index.points, outcome.ResumeID)
}

func TestHandleEmbedTask_DuplicateDeliveryAcked(t *testing.T) {
	publisher := &MockPublisher{}
	p, store, _ := newProcessorFixture(t, func(c *Components) {
		c.Publisher = publisher
	})

	outcome, err := p.ProcessDocument(context.Background(), aliceDoc())
	require.NoError(t, err)
	body, err := json.Marshal(publisher.messages[0])
	require.NoError(t, err)

	require.True(t, p.HandleEmbedTask(body))
	// 同一条消息重复投递：已SUCCESS的简历直接确认，不再改状态
	assert.True(t, p.HandleEmbedTask(body))

	file, err := store.GetResumeFile(context.Background(), outcome.ResumeID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, file.Status)
}
