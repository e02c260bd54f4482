package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultGeminiModelName = "gemini-2.0-flash"

// GeminiChatModel 实现了 model.ToolCallingChatModel 接口，
// 底层通过官方 genai SDK 调用 Gemini 模型。
type GeminiChatModel struct {
	client      *genai.Client
	modelName   string
	temperature float32
	maxTokens   int
	boundTools  []*genai.Tool
	logger      *log.Logger
}

var _ model.ToolCallingChatModel = (*GeminiChatModel)(nil)

// GeminiModelOption 模型配置选项
type GeminiModelOption func(*GeminiChatModel)

// WithTemperature 设置采样温度
func WithTemperature(t float32) GeminiModelOption {
	return func(g *GeminiChatModel) {
		g.temperature = t
	}
}

// WithMaxTokens 设置最大输出token数
func WithMaxTokens(n int) GeminiModelOption {
	return func(g *GeminiChatModel) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithModelLogger 设置日志输出
func WithModelLogger(l *log.Logger) GeminiModelOption {
	return func(g *GeminiChatModel) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGeminiChatModel 创建一个新的 GeminiChatModel 实例。
func NewGeminiChatModel(ctx context.Context, apiKey string, modelName string, opts ...GeminiModelOption) (*GeminiChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}

	mn := strings.TrimSpace(modelName)
	if mn == "" {
		mn = defaultGeminiModelName
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建genai客户端失败: %w", err)
	}

	g := &GeminiChatModel{
		client:      client,
		modelName:   mn,
		temperature: 0.1,
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.logger.Printf("[Gemini模型] 客户端已初始化，模型: %s", g.modelName)
	return g, nil
}

// Generate 实现 model.ToolCallingChatModel 接口
func (g *GeminiChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("消息列表不能为空")
	}

	// 处理通用调用选项，允许调用方覆盖模型与采样参数
	commonOpts := model.GetCommonOptions(&model.Options{}, options...)

	effectiveModel := g.modelName
	if commonOpts.Model != nil && *commonOpts.Model != "" {
		effectiveModel = *commonOpts.Model
	}

	contents, systemText, err := g.convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("转换消息失败: %w", err)
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("没有可发送的非系统消息")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if commonOpts.Temperature != nil {
		cfg.Temperature = genai.Ptr(*commonOpts.Temperature)
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.maxTokens)
	}
	if commonOpts.MaxTokens != nil && *commonOpts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*commonOpts.MaxTokens)
	}
	if systemText != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemText}},
		}
	}
	if len(g.boundTools) > 0 {
		cfg.Tools = g.boundTools
	}

	resp, err := g.client.Models.GenerateContent(ctx, effectiveModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("调用Gemini API失败: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("Gemini API返回空候选结果")
	}

	return g.convertResponse(resp.Candidates[0])
}

// Stream 实现 model.ToolCallingChatModel 接口。
// 当前以单次生成结果模拟流式输出，满足eino调用约定。
func (g *GeminiChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, messages, options...)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(msg, nil)
	}()
	return sr, nil
}

// WithTools 实现 model.ToolCallingChatModel 接口。
// 返回绑定了工具声明的模型副本，原实例不受影响。
func (g *GeminiChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, toolInfo := range tools {
		if toolInfo == nil {
			continue
		}
		decl := &genai.FunctionDeclaration{
			Name:        toolInfo.Name,
			Description: toolInfo.Desc,
		}
		if toolInfo.ParamsOneOf != nil {
			paramSchema, err := convertToolParams(toolInfo.ParamsOneOf)
			if err != nil {
				return nil, fmt.Errorf("转换工具 '%s' 参数schema失败: %w", toolInfo.Name, err)
			}
			decl.Parameters = paramSchema
		}
		declarations = append(declarations, decl)
	}

	clone := *g
	clone.boundTools = nil
	if len(declarations) > 0 {
		clone.boundTools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return &clone, nil
}

// convertMessages 将eino消息转换为genai内容，系统消息单独抽出。
func (g *GeminiChatModel) convertMessages(messages []*schema.Message) ([]*genai.Content, string, error) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			// Gemini 通过 SystemInstruction 传递系统提示
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case schema.User:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case schema.Assistant:
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, "", fmt.Errorf("解析工具调用 '%s' 参数失败: %w", tc.Function.Name, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: args,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, &genai.Part{Text: ""})
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: parts,
			})
		case schema.Tool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		default:
			return nil, "", fmt.Errorf("不支持的消息角色: %s", msg.Role)
		}
	}

	return contents, strings.Join(systemParts, "\n\n"), nil
}

// convertResponse 将genai候选结果转换为eino消息
func (g *GeminiChatModel) convertResponse(candidate *genai.Candidate) (*schema.Message, error) {
	var textBuilder strings.Builder
	var toolCalls []schema.ToolCall

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			textBuilder.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("序列化工具调用参数失败: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = part.FunctionCall.Name
			}
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: id,
				Function: schema.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}

	result := &schema.Message{
		Role:      schema.Assistant,
		Content:   textBuilder.String(),
		ToolCalls: toolCalls,
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("Gemini API候选结果内容为空")
	}
	return result, nil
}

// convertToolParams 将eino的参数描述转换为genai的Schema。
// 先导出为OpenAPI v3 JSON，再按genai的类型枚举逐层映射。
func convertToolParams(params *schema.ParamsOneOf) (*genai.Schema, error) {
	openapiSchema, err := params.ToOpenAPIV3()
	if err != nil {
		return nil, err
	}
	if openapiSchema == nil {
		return nil, nil
	}

	raw, err := json.Marshal(openapiSchema)
	if err != nil {
		return nil, err
	}
	var node map[string]interface{}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	return buildGenaiSchema(node), nil
}

func buildGenaiSchema(node map[string]interface{}) *genai.Schema {
	if node == nil {
		return nil
	}
	out := &genai.Schema{}

	if t, ok := node["type"].(string); ok {
		out.Type = mapOpenAPIType(t)
	}
	if d, ok := node["description"].(string); ok {
		out.Description = d
	}
	if f, ok := node["format"].(string); ok {
		out.Format = f
	}
	if props, ok := node["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]interface{}); ok {
				out.Properties[name] = buildGenaiSchema(subMap)
			}
		}
	}
	if items, ok := node["items"].(map[string]interface{}); ok {
		out.Items = buildGenaiSchema(items)
	}
	if req, ok := node["required"].([]interface{}); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if enum, ok := node["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func mapOpenAPIType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}
