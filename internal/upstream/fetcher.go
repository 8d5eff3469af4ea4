package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"factcache/config"
	"factcache/internal/core"
	"factcache/internal/httpclient"
)

// DefaultSystemPrompt frames every lookup.
const DefaultSystemPrompt = "You are a research assistant with web search. Answer with a single JSON object and nothing else. Only state facts you can cite."

// placeholderPattern matches {{field}} in a prompt template.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// ChatFetcher implements core.Fetcher against an OpenAI-compatible
// chat completions endpoint.
type ChatFetcher struct {
	client       *Client
	model        string
	systemPrompt string
	prompts      map[string]string
}

// FetcherConfig configures a ChatFetcher.
type FetcherConfig struct {
	Model        string
	SystemPrompt string
	// Prompts maps kind to a template with {{field}} placeholders.
	Prompts map[string]string
}

// NewChatFetcher creates a fetcher on top of client.
func NewChatFetcher(client *Client, cfg FetcherConfig) (*ChatFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	prompts := make(map[string]string, len(cfg.Prompts))
	for kind, p := range cfg.Prompts {
		prompts[kind] = p
	}
	return &ChatFetcher{
		client:       client,
		model:        cfg.Model,
		systemPrompt: systemPrompt,
		prompts:      prompts,
	}, nil
}

// NewFromConfig builds the production fetcher from the upstream and kinds
// sections.
func NewFromConfig(cfg *config.Config) (*ChatFetcher, error) {
	up := cfg.Upstream
	httpCfg := httpclient.WithTimeouts(up.Timeout, up.ResponseHeaderTimeout)

	var cb *CircuitBreakerConfig
	if up.CircuitBreaker.FailureThreshold > 0 {
		cb = &CircuitBreakerConfig{
			FailureThreshold: up.CircuitBreaker.FailureThreshold,
			SuccessThreshold: up.CircuitBreaker.SuccessThreshold,
			Timeout:          up.CircuitBreaker.Timeout,
		}
	}

	apiKey := up.APIKey
	client := NewClientWithHTTPClient(httpclient.NewHTTPClient(&httpCfg), ClientConfig{
		BaseURL:        up.BaseURL,
		CircuitBreaker: cb,
	}, func(req *http.Request) {
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	})

	prompts := make(map[string]string, len(cfg.Kinds))
	for kind, kc := range cfg.Kinds {
		if kc.Prompt != "" {
			prompts[kind] = kc.Prompt
		}
	}
	return NewChatFetcher(client, FetcherConfig{
		Model:        up.Model,
		SystemPrompt: up.SystemPrompt,
		Prompts:      prompts,
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// Fetch asks the provider about req and returns the JSON answer with its
// citations. The answer must be a JSON object.
func (f *ChatFetcher) Fetch(ctx context.Context, kind string, req core.Request) (*core.FetchResult, error) {
	body := chatRequest{
		Model: f.model,
		Messages: []chatMessage{
			{Role: "system", Content: f.systemPrompt},
			{Role: "user", Content: f.renderPrompt(kind, req)},
		},
	}

	resp, err := f.client.Do(ctx, kind, Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return parseChatResponse(kind, resp.Body)
}

// renderPrompt fills the kind's template. Kinds without a template get a
// generic prompt carrying the request as JSON.
func (f *ChatFetcher) renderPrompt(kind string, req core.Request) string {
	tmpl, ok := f.prompts[kind]
	if !ok {
		raw, _ := json.Marshal(req)
		return fmt.Sprintf("Answer this %s lookup as a JSON object: %s", kind, raw)
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return promptValue(req[name])
	})
}

func promptValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "unspecified"
	case string:
		if strings.TrimSpace(val) == "" {
			return "unspecified"
		}
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// fencePattern strips a ```json ... ``` wrapper some models add.
var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

func parseChatResponse(kind string, body []byte) (*core.FetchResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewProviderError(kind, "provider returned invalid JSON", nil)
	}
	message := gjson.GetBytes(body, "choices.0.message")
	if !message.Exists() {
		return nil, core.NewProviderError(kind, "provider response has no choices", nil)
	}

	content := strings.TrimSpace(message.Get("content").String())
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	answer := gjson.Parse(content)
	if !gjson.Valid(content) || !answer.IsObject() {
		return nil, core.NewProviderError(kind, "provider answer is not a JSON object", nil)
	}

	seen := make(map[string]struct{})
	var citations []string
	add := func(r gjson.Result) bool {
		if u := strings.TrimSpace(r.String()); u != "" {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				citations = append(citations, u)
			}
		}
		return true
	}
	message.Get("annotations.#.url_citation.url").ForEach(func(_, r gjson.Result) bool { return add(r) })
	answer.Get("citations").ForEach(func(_, r gjson.Result) bool { return add(r) })
	gjson.GetBytes(body, "citations").ForEach(func(_, r gjson.Result) bool { return add(r) })
	sort.Strings(citations)

	return &core.FetchResult{
		Payload:   json.RawMessage(content),
		Citations: citations,
	}, nil
}
