package server

import (
	"encoding/json"
	"fmt"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/validator"
)

// wireContentBlock is one entry of a multimodal message's content list, the
// §3 ChatRequest content-block shape.
type wireContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url,omitempty"`
	} `json:"image_url,omitempty"`
}

// wireMessage mirrors one ChatRequest.messages[] entry; Content may decode
// either as a plain string or a content-block list.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

// wireChatRequest is the inbound JSON body for POST /chat and
// POST /chat/stream (§6.1).
type wireChatRequest struct {
	Messages         []wireMessage  `json:"messages"`
	Model            string         `json:"model"`
	Temperature      *float64       `json:"temperature,omitempty"`
	SystemPrompt     string         `json:"systemPrompt,omitempty"`
	AttachmentIDs    []string       `json:"attachmentIds,omitempty"`
	WebSearch        bool           `json:"webSearch,omitempty"`
	Reasoning        *wireReasoning `json:"reasoning,omitempty"`
	Stream           bool           `json:"stream,omitempty"`
	CurrentMessageID string         `json:"currentMessageId,omitempty"`
}

// toValidatorRequest decodes the wire shape into validator.ChatRequest,
// resolving each message's polymorphic content field.
func (w wireChatRequest) toValidatorRequest() (validator.ChatRequest, error) {
	req := validator.ChatRequest{
		Model:            w.Model,
		Temperature:      w.Temperature,
		SystemPrompt:     w.SystemPrompt,
		AttachmentIDs:    w.AttachmentIDs,
		WebSearch:        w.WebSearch,
		Stream:           w.Stream,
		CurrentMessageID: w.CurrentMessageID,
	}
	if w.Reasoning != nil {
		req.Reasoning = &validator.ReasoningOptions{Effort: w.Reasoning.Effort}
	}

	for _, m := range w.Messages {
		msg := validator.Message{Role: m.Role}

		if len(m.Content) == 0 {
			req.Messages = append(req.Messages, msg)
			continue
		}

		var asString string
		if err := json.Unmarshal(m.Content, &asString); err == nil {
			msg.Content = asString
			req.Messages = append(req.Messages, msg)
			continue
		}

		var blocks []wireContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			return validator.ChatRequest{}, apierr.NewBadRequest("invalid message content: %v", err)
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				msg.Blocks = append(msg.Blocks, validator.ContentBlock{Type: validator.BlockText, Text: b.Text})
			case "image_url":
				msg.Blocks = append(msg.Blocks, validator.ContentBlock{Type: validator.BlockImageURL, Text: b.ImageURL.URL})
			default:
				return validator.ChatRequest{}, apierr.NewBadRequest("unsupported content block type %q", b.Type)
			}
		}
		req.Messages = append(req.Messages, msg)
	}

	if len(req.Messages) == 0 {
		return validator.ChatRequest{}, apierr.NewBadRequest("messages must not be empty")
	}

	return req, nil
}

// wireUsage mirrors the ChatResponse usage block (§6.2).
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// wireAnnotation mirrors one normalized url_citation entry.
type wireAnnotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`
}

// wireChatResponse is the non-streaming ChatResponse body (§6.2), and also
// the shape carried inside the streaming terminal envelope.
type wireChatResponse struct {
	Response             string           `json:"response"`
	Usage                wireUsage        `json:"usage"`
	RequestID            string           `json:"request_id"`
	Timestamp            string           `json:"timestamp"`
	ElapsedMs            int64            `json:"elapsed_ms"`
	ContentType          string           `json:"contentType"`
	ID                   string           `json:"id"`
	Reasoning            string           `json:"reasoning,omitempty"`
	Annotations          []wireAnnotation `json:"annotations,omitempty"`
	HasWebSearch         bool             `json:"has_websearch"`
	WebSearchResultCount int              `json:"websearch_result_count"`
	Warnings             []string         `json:"warnings,omitempty"`
}

func warningMessages(warnings []validator.Warning) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, fmt.Sprintf("%s: %s", w.Code, w.Message))
	}
	return out
}
