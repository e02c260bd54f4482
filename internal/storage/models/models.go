package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Person 候选人身份主表
// Email 存储的是规范化（小写去空白）后的值，由写入方保证；唯一索引使其成为
// 并发创建竞争的最终仲裁者
type Person struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	FullName  string    `gorm:"type:varchar(255);not null"`
	Email     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_persons_email_unique"`
	Phone     string    `gorm:"type:varchar(50)"`
	Summary   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Educations  []Education  `gorm:"foreignKey:PersonID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	ResumeFiles []ResumeFile `gorm:"foreignKey:PersonID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Person) TableName() string {
	return "persons"
}

// Education 教育经历表
// 去重身份是 (institution, field, degree) 三元组，日期不参与比较
type Education struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	PersonID    uint      `gorm:"not null;index:idx_educations_person_id"`
	Institution string    `gorm:"type:varchar(255);not null"`
	Degree      string    `gorm:"type:varchar(255)"`
	Field       string    `gorm:"type:varchar(255)"`
	StartDate   string    `gorm:"type:varchar(50)"`
	EndDate     string    `gorm:"type:varchar(50)"`
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	Person *Person `gorm:"foreignKey:PersonID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Education) TableName() string {
	return "educations"
}

// ResumeFile 简历文件表
// ID 同时充当向量索引的point id，这是跨存储的身份契约，
// 破坏它会让检索结果与关系库记录脱钩
type ResumeFile struct {
	ID            uint           `gorm:"primaryKey;autoIncrement"`
	PersonID      uint           `gorm:"not null;index:idx_resume_files_person_id"`
	FileName      string         `gorm:"type:varchar(255)"`
	SHA256        string         `gorm:"type:char(64);index:idx_resume_files_sha256"`
	StorageURI    string         `gorm:"type:varchar(1024)"`
	Status        string         `gorm:"type:varchar(20);not null;default:'QUEUED';index:idx_resume_files_status"`
	ExtractedJSON datatypes.JSON `gorm:"type:json"` // 抽取原始结果快照，便于审计与重放
	CreatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Person *Person `gorm:"foreignKey:PersonID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (ResumeFile) TableName() string {
	return "resume_files"
}

// StringToJSON Helper function to convert string to datatypes.JSON
func StringToJSON(s string) datatypes.JSON {
	return datatypes.JSON(s)
}

// MapToJSON Helper function to convert map[string]interface{} to datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
