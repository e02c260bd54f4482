package agent

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGeminiChatModel_ConvertMessages(t *testing.T) {
	g := &GeminiChatModel{}

	messages := []*schema.Message{
		schema.SystemMessage("你是一个招聘助手"),
		schema.UserMessage("请分析这份简历"),
		{
			Role:    schema.Assistant,
			Content: "好的，我需要先查询工具。",
			ToolCalls: []schema.ToolCall{
				{
					ID: "call-1",
					Function: schema.FunctionCall{
						Name:      "lookup_skill",
						Arguments: `{"skill":"golang"}`,
					},
				},
			},
		},
		{
			Role:       schema.Tool,
			ToolCallID: "call-1",
			Name:       "lookup_skill",
			Content:    "golang是一种编程语言",
		},
	}

	contents, systemText, err := g.convertMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "你是一个招聘助手", systemText)
	require.Len(t, contents, 3)

	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, "请分析这份简历", contents[0].Parts[0].Text)

	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	require.NotNil(t, contents[1].Parts[1].FunctionCall)
	assert.Equal(t, "lookup_skill", contents[1].Parts[1].FunctionCall.Name)
	assert.Equal(t, "golang", contents[1].Parts[1].FunctionCall.Args["skill"])

	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "lookup_skill", contents[2].Parts[0].FunctionResponse.Name)
}

func TestGeminiChatModel_ConvertMessages_InvalidToolArgs(t *testing.T) {
	g := &GeminiChatModel{}

	messages := []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				{Function: schema.FunctionCall{Name: "broken", Arguments: "{not json"}},
			},
		},
	}

	_, _, err := g.convertMessages(messages)
	assert.Error(t, err)
}

func TestGeminiChatModel_ConvertResponse(t *testing.T) {
	g := &GeminiChatModel{}

	candidate := &genai.Candidate{
		Content: &genai.Content{
			Role: genai.RoleModel,
			Parts: []*genai.Part{
				{Text: "分析结果如下。"},
				{FunctionCall: &genai.FunctionCall{
					Name: "lookup_skill",
					Args: map[string]any{"skill": "mysql"},
				}},
			},
		},
	}

	msg, err := g.convertResponse(candidate)
	require.NoError(t, err)
	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, "分析结果如下。", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "lookup_skill", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"skill":"mysql"}`, msg.ToolCalls[0].Function.Arguments)
	// genai未返回调用ID时退化为函数名
	assert.Equal(t, "lookup_skill", msg.ToolCalls[0].ID)
}

func TestGeminiChatModel_ConvertResponse_Empty(t *testing.T) {
	g := &GeminiChatModel{}

	candidate := &genai.Candidate{
		Content: &genai.Content{Parts: []*genai.Part{{Text: ""}}},
	}

	_, err := g.convertResponse(candidate)
	assert.Error(t, err)
}

func TestBuildGenaiSchema(t *testing.T) {
	node := map[string]interface{}{
		"type":        "object",
		"description": "查询参数",
		"properties": map[string]interface{}{
			"skill": map[string]interface{}{
				"type":        "string",
				"description": "技能名称",
				"enum":        []interface{}{"golang", "mysql"},
			},
			"years": map[string]interface{}{
				"type": "integer",
			},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []interface{}{"skill"},
	}

	s := buildGenaiSchema(node)
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"skill"}, s.Required)
	require.Contains(t, s.Properties, "skill")
	assert.Equal(t, genai.TypeString, s.Properties["skill"].Type)
	assert.Equal(t, []string{"golang", "mysql"}, s.Properties["skill"].Enum)
	assert.Equal(t, genai.TypeInteger, s.Properties["years"].Type)
	require.NotNil(t, s.Properties["tags"].Items)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
}

func TestMapOpenAPIType(t *testing.T) {
	assert.Equal(t, genai.TypeObject, mapOpenAPIType("object"))
	assert.Equal(t, genai.TypeNumber, mapOpenAPIType("Number"))
	assert.Equal(t, genai.TypeBoolean, mapOpenAPIType("boolean"))
	assert.Equal(t, genai.TypeUnspecified, mapOpenAPIType("binary"))
}
