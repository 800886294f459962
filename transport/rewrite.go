package transport

import (
	"encoding/json"

	"github.com/BaSui01/gateflow/types"
)

// 各风格的负载改写：输入统一是客户端原始 JSON，输出是目标风格的线格式。
// 除必要字段外尽量透传，避免丢掉上游认识而网关不认识的参数。

// buildResponsesBody messages 形式转换为 responses 的 input 数组；
// 负载本身已是 input 形式时仅重写 model/stream。
func buildResponsesBody(p *types.Payload, model string, stream bool) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(p.Raw, &m); err != nil {
		return nil, err
	}

	if _, ok := m["input"]; !ok && len(p.Messages) > 0 {
		type responsesInput struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		input := make([]responsesInput, 0, len(p.Messages))
		for _, msg := range p.Messages {
			input = append(input, responsesInput{Role: msg.Role, Content: msg.Content})
		}
		ib, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		m["input"] = ib
		delete(m, "messages")
	}

	// responses 用 max_output_tokens
	if mt, ok := m["max_tokens"]; ok {
		m["max_output_tokens"] = mt
		delete(m, "max_tokens")
	}

	mb, _ := json.Marshal(model)
	m["model"] = mb
	sb, _ := json.Marshal(stream)
	m["stream"] = sb
	return json.Marshal(m)
}

// buildClaudeBody 收敛到 Anthropic messages 线格式：
// 每条消息的 content 必须是分段数组，system 提升为顶层数组。
func buildClaudeBody(p *types.Payload, model string, stream bool) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(p.Raw, &m); err != nil {
		return nil, err
	}

	type claudeMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	msgs := make([]claudeMessage, 0, len(p.Messages))
	var systemParts []json.RawMessage

	for _, msg := range p.Messages {
		// OpenAI 形式的 system 消息提升到顶层 system 数组
		if msg.Role == "system" {
			systemParts = append(systemParts, contentToParts(msg.Content))
			continue
		}
		msgs = append(msgs, claudeMessage{Role: msg.Role, Content: contentToParts(msg.Content)})
	}

	if len(msgs) > 0 {
		mb, err := json.Marshal(msgs)
		if err != nil {
			return nil, err
		}
		m["messages"] = mb
	}

	if len(p.System) > 0 {
		m["system"] = contentToParts(p.System)
	} else if len(systemParts) > 0 {
		joined := systemParts[0]
		if len(systemParts) > 1 {
			var all []json.RawMessage
			for _, sp := range systemParts {
				var parts []json.RawMessage
				if err := json.Unmarshal(sp, &parts); err == nil {
					all = append(all, parts...)
				}
			}
			joined, _ = json.Marshal(all)
		}
		m["system"] = joined
	}

	// Anthropic 必填 max_tokens
	if _, ok := m["max_tokens"]; !ok {
		m["max_tokens"] = json.RawMessage("4096")
	}

	mb, _ := json.Marshal(model)
	m["model"] = mb
	sb, _ := json.Marshal(stream)
	m["stream"] = sb
	return json.Marshal(m)
}

// contentToParts 字符串内容包装成 [{"type":"text","text":...}]，
// 已是数组的原样保留。
func contentToParts(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		part, _ := json.Marshal([]map[string]string{{"type": "text", "text": s}})
		return part
	}
	return raw
}

// buildGeminiBody 转换为 Gemini 的 contents 形式：
// {contents:[{role, parts:[{text}]}], systemInstruction?, generationConfig?}。
func buildGeminiBody(p *types.Payload) ([]byte, error) {
	type geminiPart struct {
		Text string `json:"text"`
	}
	type geminiContent struct {
		Role  string       `json:"role"`
		Parts []geminiPart `json:"parts"`
	}

	body := make(map[string]any)
	contents := make([]geminiContent, 0, len(p.Messages))

	var systemTexts []string
	for _, msg := range p.Messages {
		text := rawContentText(msg.Content)
		if msg.Role == "system" {
			systemTexts = append(systemTexts, text)
			continue
		}
		role := msg.Role
		// Gemini 的助手角色叫 model
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: text}}})
	}
	body["contents"] = contents

	if len(systemTexts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []geminiPart{{Text: joinLines(systemTexts)}},
		}
	}

	if p.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": p.MaxTokens}
	}
	return json.Marshal(body)
}

func rawContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		for _, part := range parts {
			if part.Text != "" {
				if out != "" {
					out += "\n"
				}
				out += part.Text
			}
		}
		return out
	}
	return string(raw)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
