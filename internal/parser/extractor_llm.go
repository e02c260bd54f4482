package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

// LLMCandidateExtractor 使用LLM从简历原始文本中提取结构化候选人信息
type LLMCandidateExtractor struct {
	// LLM模型接口
	llmModel model.ToolCallingChatModel

	// 提示词模板
	promptTemplate string

	// 单次调用超时
	callTimeout time.Duration

	// 重试配置
	maxRetries int
	retryWait  time.Duration

	logger *log.Logger
}

// LLMExtractorOption 抽取器配置选项
type LLMExtractorOption func(*LLMCandidateExtractor)

// WithCallTimeout 设置单次LLM调用超时
func WithCallTimeout(d time.Duration) LLMExtractorOption {
	return func(e *LLMCandidateExtractor) {
		e.callTimeout = d
	}
}

// WithMaxRetries 设置最大重试次数
func WithMaxRetries(n int) LLMExtractorOption {
	return func(e *LLMCandidateExtractor) {
		e.maxRetries = n
	}
}

// WithRetryWait 设置首次重试等待时间
func WithRetryWait(d time.Duration) LLMExtractorOption {
	return func(e *LLMCandidateExtractor) {
		e.retryWait = d
	}
}

// WithCustomPrompt 覆盖默认提示词模板
func WithCustomPrompt(prompt string) LLMExtractorOption {
	return func(e *LLMCandidateExtractor) {
		e.promptTemplate = prompt
	}
}

// NewLLMCandidateExtractor 创建候选人信息抽取器
func NewLLMCandidateExtractor(llmModel model.ToolCallingChatModel, logger *log.Logger, options ...LLMExtractorOption) *LLMCandidateExtractor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	extractor := &LLMCandidateExtractor{
		llmModel:    llmModel,
		logger:      logger,
		callTimeout: 60 * time.Second,
		maxRetries:  2,
		retryWait:   2 * time.Second,
	}

	for _, opt := range options {
		opt(extractor)
	}

	if extractor.promptTemplate == "" {
		extractor.generatePromptTemplate()
	}

	return extractor
}

// 生成提示词模板
func (e *LLMCandidateExtractor) generatePromptTemplate() {
	e.promptTemplate = `You are an expert HR assistant. Extract structured candidate data from the provided resume text.
Return the result as a single JSON object with exactly the following fields:
- name: Full name of the candidate.
- email: Email address of the candidate.
- phone: Phone number (remove all non-numeric characters except +).
- summary: Short summary of the candidate.
- education: List of objects with institution, degree, field, start_date, end_date.
- skills: List of skills (lowercase), extracted from skills, projects, achievements and certifications.
- skills_description: A fluent description of the candidate's skills.
- years_of_experience: Total years of work experience (integer).
- work_description: A fluent description of all work experience combined, including roles, descriptions and time ranges.

<Constraint>
- Only rely on the provided resume text.
- Do not make assumptions but you can infer information from the text and rewrite it more fluent.
- Return in valid JSON format with exactly the fields above, no additional keys.
- Transform achievements, certifications and publications into skills; do not emit them separately.
- Extract skills at an abstract level and deduplicate them.
- If no work experience is found, years_of_experience must be 0.
- Always return every field even if empty, using the appropriate type ("" for strings, [] for lists, 0 for numbers).
- Do not include any explanations or Markdown markers.
</Constraint>
接下来，你将收到一份简历文本，请对其进行分析。`
}

// Extract 从简历文本中提取候选人信息
func (e *LLMCandidateExtractor) Extract(ctx context.Context, rawText string) (*types.ExtractedCandidate, error) {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return nil, fmt.Errorf("简历文本不能为空")
	}

	response, err := e.callLLM(ctx, e.promptTemplate, rawText)
	if err != nil {
		return nil, fmt.Errorf("LLM调用失败: %w", err)
	}

	candidate, err := e.parseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("解析LLM响应失败: %w", err)
	}

	normalizeCandidate(candidate)
	return candidate, nil
}

// normalizeCandidate 在解析边界做字段归一化，下游不再处理格式问题
func normalizeCandidate(c *types.ExtractedCandidate) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Summary = strings.TrimSpace(c.Summary)

	// 技能统一小写去重
	seen := make(map[string]bool, len(c.Skills))
	skills := make([]string, 0, len(c.Skills))
	for _, s := range c.Skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		skills = append(skills, s)
	}
	c.Skills = skills

	if c.YearsOfExperience < 0 {
		c.YearsOfExperience = 0
	}

	for i := range c.Education {
		c.Education[i].Institution = strings.TrimSpace(c.Education[i].Institution)
		c.Education[i].Degree = strings.TrimSpace(c.Education[i].Degree)
		c.Education[i].Field = strings.TrimSpace(c.Education[i].Field)
	}
}

// callLLM 调用LLM处理提示词
func (e *LLMCandidateExtractor) callLLM(ctx context.Context, systemContent string, userContent string) (string, error) {
	messages := []*einoschema.Message{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userContent},
	}

	retryDelay := e.retryWait

	var response *einoschema.Message
	var err error

	e.logger.Printf("[LLMCandidateExtractor] User Prompt: %.50s...", userContent)

	// 重试逻辑
	for retry := 0; retry <= e.maxRetries; retry++ {
		if retry > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("上下文已取消: %w", ctx.Err())
			case <-time.After(retryDelay):
				// 增加退避时间
				retryDelay *= 2
				e.logger.Printf("重试LLM调用 (第%d次)", retry)
			}
		}

		// 创建带超时的上下文，继承上游的取消信号
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)

		response, err = e.llmModel.Generate(callCtx, messages)
		cancel()

		if err == nil {
			break
		}

		if !isRetryableError(err) || retry >= e.maxRetries {
			e.logger.Printf("[LLMCandidateExtractor] LLM call final error after retries: %v", err)
			return "", fmt.Errorf("LLM Generate failed: %w", err)
		}
	}

	e.logger.Printf("[LLMCandidateExtractor] LLM Response: %.50s", response.Content)
	return response.Content, nil
}

// isRetryableError 判断错误是否应该重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// 检查常见的可重试错误
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED")
}

// 解析LLM响应
func (e *LLMCandidateExtractor) parseResponse(response string) (*types.ExtractedCandidate, error) {
	// 提取JSON部分（防止LLM返回的不是纯JSON）
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		e.logger.Printf("无法从LLM响应中提取有效的JSON。原始响应: %s", response)
		return nil, fmt.Errorf("无法从LLM响应中提取有效的JSON")
	}

	var result types.ExtractedCandidate
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}

	return &result, nil
}

// 从文本中提取JSON
func extractJSON(text string) string {
	// 尝试使用正则表达式提取 ```json ... ``` 代码块中的内容
	re := regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	matches := re.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// 如果正则没有匹配到，尝试寻找 JSON 的开始和结束位置作为回退
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	// 查找匹配的}
	level := 0
	for i := start; i < len(text); i++ {
		if text[i] == '{' {
			level++
		} else if text[i] == '}' {
			level--
			if level == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
