package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/storage/models"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"gorm.io/gorm"
)

// MockIdentityStore 内存版身份存储，语义对齐MySQL实现：
// 邮箱唯一、自增ID、未命中返回 gorm.ErrRecordNotFound
type MockIdentityStore struct {
	mu      sync.Mutex
	persons map[uint]*models.Person
	files   map[uint]*models.ResumeFile
	byEmail map[string]uint

	nextPersonID uint
	nextEduID    uint
	nextFileID   uint

	// 故障注入
	failCreate error
	failMerge  error
}

func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{
		persons: make(map[uint]*models.Person),
		files:   make(map[uint]*models.ResumeFile),
		byEmail: make(map[string]uint),
	}
}

func (m *MockIdentityStore) CreatePersonWithChildren(_ context.Context, person *models.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if _, exists := m.byEmail[person.Email]; exists {
		return gorm.ErrDuplicatedKey
	}

	m.nextPersonID++
	person.ID = m.nextPersonID
	for i := range person.Educations {
		m.nextEduID++
		person.Educations[i].ID = m.nextEduID
		person.Educations[i].PersonID = person.ID
	}
	for i := range person.ResumeFiles {
		m.nextFileID++
		person.ResumeFiles[i].ID = m.nextFileID
		person.ResumeFiles[i].PersonID = person.ID
		fileCopy := person.ResumeFiles[i]
		m.files[fileCopy.ID] = &fileCopy
	}

	stored := *person
	m.persons[person.ID] = &stored
	m.byEmail[person.Email] = person.ID
	return nil
}

func (m *MockIdentityStore) GetPersonByEmail(_ context.Context, email string) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m.copyPerson(id), nil
}

func (m *MockIdentityStore) GetPersonByID(_ context.Context, id uint) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.persons[id]; !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m.copyPerson(id), nil
}

func (m *MockIdentityStore) MergePersonRecords(_ context.Context, personID uint, updates map[string]interface{}, newEducations []models.Education, newFiles []*models.ResumeFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMerge != nil {
		return m.failMerge
	}
	person, ok := m.persons[personID]
	if !ok {
		return gorm.ErrRecordNotFound
	}

	if name, ok := updates["full_name"].(string); ok {
		person.FullName = name
	}
	if phone, ok := updates["phone"].(string); ok {
		person.Phone = phone
	}
	if summary, ok := updates["summary"].(string); ok {
		person.Summary = summary
	}
	for i := range newEducations {
		m.nextEduID++
		newEducations[i].ID = m.nextEduID
		newEducations[i].PersonID = personID
		person.Educations = append(person.Educations, newEducations[i])
	}
	for _, f := range newFiles {
		m.nextFileID++
		f.ID = m.nextFileID
		f.PersonID = personID
		fileCopy := *f
		m.files[f.ID] = &fileCopy
		person.ResumeFiles = append(person.ResumeFiles, fileCopy)
	}
	return nil
}

func (m *MockIdentityStore) UpdatePersonFields(_ context.Context, personID uint, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	person, ok := m.persons[personID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if name, ok := updates["full_name"].(string); ok {
		person.FullName = name
	}
	if phone, ok := updates["phone"].(string); ok {
		person.Phone = phone
	}
	if summary, ok := updates["summary"].(string); ok {
		person.Summary = summary
	}
	return nil
}

func (m *MockIdentityStore) GetResumeFile(_ context.Context, id uint) (*models.ResumeFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	fileCopy := *file
	return &fileCopy, nil
}

func (m *MockIdentityStore) UpdateResumeStatus(_ context.Context, id uint, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	file.Status = status
	return nil
}

func (m *MockIdentityStore) UpdateResumeFields(_ context.Context, id uint, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if name, ok := updates["file_name"].(string); ok {
		file.FileName = name
	}
	if sha, ok := updates["sha256"].(string); ok {
		file.SHA256 = sha
	}
	if uri, ok := updates["storage_uri"].(string); ok {
		file.StorageURI = uri
	}
	if snapshot, ok := updates["extracted_json"].([]byte); ok {
		file.ExtractedJSON = snapshot
	}
	return nil
}

func (m *MockIdentityStore) DeletePersonCascade(_ context.Context, personID uint) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	person, ok := m.persons[personID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	var resumeIDs []uint
	for id, file := range m.files {
		if file.PersonID == personID {
			resumeIDs = append(resumeIDs, id)
			delete(m.files, id)
		}
	}
	delete(m.byEmail, person.Email)
	delete(m.persons, personID)
	return resumeIDs, nil
}

func (m *MockIdentityStore) DeleteResumeFile(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *MockIdentityStore) ExistingResumeIDs(_ context.Context, ids []uint) (map[uint]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[uint]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.files[id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (m *MockIdentityStore) copyPerson(id uint) *models.Person {
	person := *m.persons[id]
	person.Educations = append([]models.Education(nil), m.persons[id].Educations...)
	person.ResumeFiles = nil
	for _, file := range m.files {
		if file.PersonID == id {
			person.ResumeFiles = append(person.ResumeFiles, *file)
		}
	}
	return &person
}

// MockVectorIndex 记录upsert/delete调用，search返回预设结果
type MockVectorIndex struct {
	mu        sync.Mutex
	points    map[uint]map[string]interface{}
	deleted   []uint
	results   []storage.SearchResult
	lastLimit int
	// 最近一次search收到的filter
	lastFilter map[string]interface{}

	failUpsert error
	failDelete error
	failSearch error
}

func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{points: make(map[uint]map[string]interface{})}
}

func (m *MockVectorIndex) UpsertResumePoint(_ context.Context, resumeID uint, vector []float64, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return m.failUpsert
	}
	m.points[resumeID] = payload
	return nil
}

func (m *MockVectorIndex) SearchSimilarCandidates(_ context.Context, _ []float64, limit int, filter map[string]interface{}) ([]storage.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSearch != nil {
		return nil, m.failSearch
	}
	m.lastLimit = limit
	m.lastFilter = filter
	return m.results, nil
}

func (m *MockVectorIndex) DeletePoints(_ context.Context, resumeIDs []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	for _, id := range resumeIDs {
		delete(m.points, id)
	}
	m.deleted = append(m.deleted, resumeIDs...)
	return nil
}

// MockExtractor 按输入文本返回预设的候选人
type MockExtractor struct {
	candidates map[string]*types.ExtractedCandidate
	err        error
}

func (m *MockExtractor) Extract(_ context.Context, rawText string) (*types.ExtractedCandidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	if c, ok := m.candidates[rawText]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("没有匹配的预设结果: %q", rawText)
}

// MockEmbedder 返回固定维度的伪向量
type MockEmbedder struct {
	dims int
	err  error
}

func (m *MockEmbedder) GetDimensions() int {
	if m.dims == 0 {
		return 4
	}
	return m.dims
}

func (m *MockEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vec := make([]float64, m.GetDimensions())
		for j := range vec {
			vec[j] = 0.1
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// MockEmailLocker 可配置的邮箱锁
type MockEmailLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	// contended为true时第一次获取返回"被占用"
	contended bool
}

func (m *MockEmailLocker) AcquireEmailLock(_ context.Context, email string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contended {
		m.contended = false
		return "", nil
	}
	m.acquired = append(m.acquired, email)
	return "lock-value", nil
}

func (m *MockEmailLocker) ReleaseEmailLock(_ context.Context, email string, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, email)
	return true, nil
}

// MockDeduper 预置已见哈希集合
type MockDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *MockDeduper) CheckAndAddFileSHA256(_ context.Context, sha256Hex string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	exists := m.seen[sha256Hex]
	m.seen[sha256Hex] = true
	return exists, nil
}

// MockPublisher 记录投递的嵌入任务
type MockPublisher struct {
	mu       sync.Mutex
	messages []*storage.EmbedTaskMessage
	err      error
}

func (m *MockPublisher) PublishEmbedTask(_ context.Context, msg *storage.EmbedTaskMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

var _ IdentityStore = (*MockIdentityStore)(nil)
var _ VectorIndex = (*MockVectorIndex)(nil)
var _ CandidateExtractor = (*MockExtractor)(nil)
var _ TextEmbedder = (*MockEmbedder)(nil)
var _ EmailLocker = (*MockEmailLocker)(nil)
var _ FileDeduper = (*MockDeduper)(nil)
var _ TaskPublisher = (*MockPublisher)(nil)
