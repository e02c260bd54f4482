package parser

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"cv-agent-go/internal/config"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"
)

// GeminiEmbedder 实现 embedding.Embedder 接口，底层调用Gemini嵌入模型
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
	logger     *log.Logger
}

// 确保GeminiEmbedder实现了eino的Embedder接口
var _ embedding.Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder 创建新的Gemini Embedder
func NewGeminiEmbedder(ctx context.Context, apiKey string, embeddingCfg config.EmbeddingConfig, logger *log.Logger) (*GeminiEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	model := embeddingCfg.Model
	if model == "" {
		model = "gemini-embedding-exp-03-07"
	}
	dimensions := embeddingCfg.Dimensions
	if dimensions <= 0 {
		dimensions = 3072
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建genai客户端失败: %w", err)
	}

	return &GeminiEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
		logger:     logger,
	}, nil
}

// GetDimensions 返回嵌入器配置的维度
func (g *GeminiEmbedder) GetDimensions() int {
	return g.dimensions
}

// EmbedStrings 将文本转换为向量, 实现 cloudwego/eino embedding.Embedder 接口
func (g *GeminiEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	// 处理通用选项
	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := g.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: text}},
		})
	}

	embedCfg := &genai.EmbedContentConfig{}
	if g.dimensions > 0 {
		embedCfg.OutputDimensionality = genai.Ptr(int32(g.dimensions))
	}

	resp, err := g.client.Models.EmbedContent(ctx, effectiveModel, contents, embedCfg)
	if err != nil {
		g.logger.Printf("[GeminiEmbedder] EmbedContent failed: %v", err)
		return nil, fmt.Errorf("Gemini嵌入调用失败: %w", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("嵌入结果数量(%d)与输入文本数量(%d)不一致", len(resp.Embeddings), len(texts))
	}

	outputEmbeddings := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("第%d条文本的嵌入结果为空", i)
		}
		if g.dimensions > 0 && len(emb.Values) != g.dimensions {
			return nil, fmt.Errorf("嵌入维度(%d)与配置维度(%d)不一致", len(emb.Values), g.dimensions)
		}
		vector := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vector[j] = float64(v)
		}
		outputEmbeddings[i] = vector
	}

	g.logger.Printf("[GeminiEmbedder] Successfully embedded %d texts, dim=%d", len(texts), firstEmbeddingDim(outputEmbeddings))
	return outputEmbeddings, nil
}

// firstEmbeddingDim 安全地取第一条嵌入的维度，仅用于日志
func firstEmbeddingDim(embeddings [][]float64) int {
	if len(embeddings) > 0 {
		return len(embeddings[0])
	}
	return 0
}
