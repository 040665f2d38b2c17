// Package llm dispatches completion requests to hosted model providers. The
// orchestrator only sees the Completer interface; provider construction and
// message conversion stay here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatgrid/internal/config"
	"chatgrid/internal/models"
)

// Turn is one conversation entry handed to a backend, already in the order a
// human reader would see.
type Turn struct {
	Role    models.Role
	Content string
}

// Completer is the hosted completion boundary.
type Completer interface {
	Complete(ctx context.Context, turns []Turn, provider, modelName string) (string, error)
}

// EinoCompleter builds provider chat models from config and caches them per
// provider/model pair.
type EinoCompleter struct {
	cfg *config.Config

	mu    sync.Mutex
	cache map[string]model.ToolCallingChatModel
}

// NewCompleter wires a completer over the loaded configuration.
func NewCompleter(cfg *config.Config) *EinoCompleter {
	return &EinoCompleter{cfg: cfg, cache: make(map[string]model.ToolCallingChatModel)}
}

// Complete sends the ordered turns to the provider and returns the reply text.
func (c *EinoCompleter) Complete(ctx context.Context, turns []Turn, provider, modelName string) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("no turns to complete")
	}
	chatModel, err := c.chatModel(ctx, provider, modelName)
	if err != nil {
		return "", err
	}
	resp, err := chatModel.Generate(ctx, convertTurns(turns))
	if err != nil {
		return "", fmt.Errorf("generate (%s/%s): %w", provider, modelName, err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("provider %s returned an empty reply", provider)
	}
	return reply, nil
}

func (c *EinoCompleter) chatModel(ctx context.Context, provider, modelName string) (model.ToolCallingChatModel, error) {
	provCfg, ok := c.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	key := provider + "/" + modelName

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	c.cache[key] = chatModel
	return chatModel, nil
}

func convertTurns(turns []Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		var role schema.RoleType
		switch t.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: t.Content})
	}
	return messages
}
