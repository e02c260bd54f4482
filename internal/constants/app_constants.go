package constants

// 简历处理状态，与数据库 status 列及向量索引生命周期一一对应
const (
	StatusQueued  = "QUEUED"  // 行已落库，等待向量化
	StatusSuccess = "SUCCESS" // 向量写入已确认
	StatusError   = "ERROR"   // 流水线中任一步骤失败
)

const (
	// DefaultCollectionName Qdrant集合名
	DefaultCollectionName = "cv_embeddings"
	// DefaultVectorDimension 嵌入向量维度，必须与嵌入模型输出一致
	DefaultVectorDimension = 3072
	// DefaultSearchLimit 检索默认返回条数
	DefaultSearchLimit = 5
)
