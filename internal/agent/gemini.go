package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/ovchar/suivault/internal/toolwire"
)

// Gemini REST wire types. The API uses camelCase field names.
type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	Tools             []geminiTool           `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

const systemPrompt = `You are a careful crypto wallet assistant for the Sui network.
You can inspect the user's holdings and transfer SUI using the provided tools.
Before executing any transfer, prefer a dry run first and summarize the
predicted effects. Report amounts in SUI. Never invent balances or digests;
always use tool results.`

// GeminiResponder streams completions from the Gemini API.
type GeminiResponder struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewGeminiResponder creates a responder for the given model.
func NewGeminiResponder(baseURL, apiKey, model string) *GeminiResponder {
	return &GeminiResponder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Respond streams one model response for the conversation so far.
// Text arrives incrementally; function calls are yielded as they
// appear in the stream.
func (g *GeminiResponder) Respond(ctx context.Context, history []Exchange, tools []toolwire.Descriptor) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		reqBody := geminiRequest{
			Contents:          historyToContents(history),
			SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
			GenerationConfig:  geminiGenerationConfig{Temperature: 0.2, MaxOutputTokens: 8192},
			Tools:             declarations(tools),
		}
		data, err := json.Marshal(reqBody)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("marshal gemini request: %w", err))
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			yield(Chunk{}, fmt.Errorf("build gemini request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := g.http.Do(req)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("gemini request: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(Chunk{}, fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				yield(Chunk{}, fmt.Errorf("gemini error: %s", chunk.Error.Message))
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.Text != "" {
					if !yield(Chunk{Text: part.Text}, nil) {
						return
					}
				}
				if part.FunctionCall != nil {
					call := &ToolCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args}
					if !yield(Chunk{Call: call}, nil) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Chunk{}, fmt.Errorf("gemini stream: %w", err))
		}
	}
}

func historyToContents(history []Exchange) []geminiContent {
	var out []geminiContent
	for _, ex := range history {
		switch ex.Role {
		case RoleUser:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: ex.Text}}})
		case RoleModel:
			var parts []geminiPart
			if ex.Text != "" {
				parts = append(parts, geminiPart{Text: ex.Text})
			}
			for i := range ex.Calls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: ex.Calls[i].Name,
					Args: ex.Calls[i].Args,
				}})
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case RoleTool:
			var parts []geminiPart
			for i := range ex.Results {
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     ex.Results[i].Name,
					Response: ex.Results[i].Response,
				}})
			}
			out = append(out, geminiContent{Role: "user", Parts: parts})
		}
	}
	return out
}

func declarations(tools []toolwire.Descriptor) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}
