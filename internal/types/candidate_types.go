package types

// ExtractedCandidate 抽取器输出的结构化候选人数据
// 缺省规则在边界处应用一次：缺失的years_of_experience为0，缺失的skills为空切片，
// 内部组件不再处理字段缺失的歧义
type ExtractedCandidate struct {
	Name              string               `json:"name"`
	Email             string               `json:"email"`
	Phone             string               `json:"phone,omitempty"`
	Summary           string               `json:"summary,omitempty"`
	Education         []ExtractedEducation `json:"education,omitempty"`
	Skills            []string             `json:"skills"`
	YearsOfExperience int                  `json:"years_of_experience"`
	SkillsDescription string               `json:"skills_description"`
	WorkDescription   string               `json:"work_description"`
}

// ExtractedEducation 一条教育经历
type ExtractedEducation struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// IngestedDocument 摄取器输出：一份简历的原始文本及其来源
type IngestedDocument struct {
	FileName   string // 原始文件名
	FilePath   string // 本地路径（远程来源下载后的临时路径）
	StorageURI string // 持久化定位符（对象存储key或来源URL）
	RawText    string // 解析出的纯文本
	SHA256     string // 原始字节哈希，可选
}

// SearchHit 过滤检索的一条命中，已完成关系库回填
type SearchHit struct {
	ResumeID          uint     `json:"resume_id"`
	PersonID          uint     `json:"person_id"`
	Score             float32  `json:"score"`
	PersonName        string   `json:"person_name"`
	PersonEmail       string   `json:"person_email"`
	FileName          string   `json:"file_name"`
	Skills            []string `json:"skills,omitempty"`
	YearsOfExperience int      `json:"years_of_experience"`
}

// BatchItemResult 批量摄取中单个文档的处理结果
type BatchItemResult struct {
	FileName string `json:"file_name"`
	Status   string `json:"status"` // processed / failed
	PersonID uint   `json:"person_id,omitempty"`
	ResumeID uint   `json:"resume_id,omitempty"`
	Reason   string `json:"reason,omitempty"` // 失败原因
}

// BatchReport 批量摄取汇总，失败的文档被跳过并在此上报，绝不静默丢弃
type BatchReport struct {
	Total     int               `json:"total"`
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// AddFailure 向报告追加一条失败项并更新计数
func (r *BatchReport) AddFailure(fileName, reason string) {
	r.Total++
	r.Failed++
	r.Items = append(r.Items, BatchItemResult{
		FileName: fileName,
		Status:   "failed",
		Reason:   reason,
	})
}
