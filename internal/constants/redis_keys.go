package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// CandidateModulePrefix 候选人模块
	CandidateModulePrefix = "candidate"
	// FileModulePrefix 文件模块
	FileModulePrefix = "file"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"

	// KeyCandidateEmailLock 按规范化邮箱加的调和锁 (STRING)
	// 格式: app:candidate:lock:{normalized_email}
	KeyCandidateEmailLock = AppPrefix + ":" + CandidateModulePrefix + ":" + EntityLock + ":%s"

	// KeyFileSHA256Set 原始文件SHA256集合，用于标记重复上传 (SET)
	// 格式: app:file:dedup_set
	KeyFileSHA256Set = AppPrefix + ":" + FileModulePrefix + ":" + EntityDedupSet
)
