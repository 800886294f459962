package types

import (
	"encoding/json"
	"strings"
)

// Payload 是客户端请求体的中立载体：原始 JSON 透传给上游，
// 同时解析出路由决策所需的少量字段（模型、流式、工具、token 上限）。
type Payload struct {
	Raw json.RawMessage `json:"-"`

	Model     string           `json:"model,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Messages  []PayloadMessage `json:"messages,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	Tools     json.RawMessage  `json:"tools,omitempty"`
	System    json.RawMessage  `json:"system,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// PayloadMessage 只解析路由与审核关心的字段；content 可能是字符串或分段数组。
type PayloadMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParsePayload 解析请求体。Raw 始终保留原始字节。
func ParsePayload(body []byte) (*Payload, error) {
	p := &Payload{Raw: json.RawMessage(body)}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, NewError(ErrInvalidRequest, "invalid request body").
			WithHTTPStatus(400).WithCause(err)
	}
	return p, nil
}

// HasTools 报告请求是否携带非空 tools 数组（能力推断：需要 tool-use）。
func (p *Payload) HasTools() bool {
	t := strings.TrimSpace(string(p.Tools))
	return t != "" && t != "null" && t != "[]"
}

// Text 拼接所有消息的文本内容，用于审核扫描与 token 估算。
// content 为分段数组时抽取其中的 text 段。
func (p *Payload) Text() string {
	var sb strings.Builder
	for _, m := range p.Messages {
		appendContentText(&sb, m.Content)
	}
	if len(p.Messages) == 0 && len(p.Input) > 0 {
		appendContentText(&sb, p.Input)
	}
	return sb.String()
}

func appendContentText(sb *strings.Builder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		sb.WriteString(s)
		sb.WriteByte('\n')
		return
	}
	var parts []struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return
	}
	for _, part := range parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
			sb.WriteByte('\n')
		} else if len(part.Content) > 0 {
			appendContentText(sb, part.Content)
		}
	}
}

// WithOverrides 返回一份替换了 model 与 stream 字段的原始 JSON 拷贝，
// 其余字段原样透传。转发前调用：逻辑模型 ID 换成上游自己的 model_id。
func (p *Payload) WithOverrides(model string, stream bool) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(p.Raw, &m); err != nil {
		return nil, err
	}
	mb, _ := json.Marshal(model)
	m["model"] = mb
	sb, _ := json.Marshal(stream)
	m["stream"] = sb
	return json.Marshal(m)
}
