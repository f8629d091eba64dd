package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/orderledger/internal/config"
	obstracing "github.com/smallbiznis/orderledger/internal/observability/tracing"
)

const (
	defaultPostTimeout = 10 * time.Second
	maxMessageLength   = 2000
)

var (
	// ErrUnauthorized means the credential was rejected; another credential may work.
	ErrUnauthorized = errors.New("notify_unauthorized")
	// ErrChannelUnavailable means the channel is missing or not writable.
	ErrChannelUnavailable = errors.New("notify_channel_unavailable")
	ErrEmptyMessage       = errors.New("notify_empty_message")
)

// Poster delivers a plain-text message to a chat channel.
type Poster interface {
	PostMessage(ctx context.Context, token, channelID, content string) error
}

// DiscordPoster posts through the Discord REST API.
type DiscordPoster struct {
	baseURL    string
	httpClient *http.Client
}

func NewDiscordPoster(cfg config.Config) *DiscordPoster {
	return NewDiscordPosterWithClient(cfg.Discord.APIBase, &http.Client{Timeout: defaultPostTimeout})
}

func NewDiscordPosterWithClient(baseURL string, client *http.Client) *DiscordPoster {
	return &DiscordPoster{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: obstracing.WrapHTTPClient(client),
	}
}

type discordMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

func (p *DiscordPoster) PostMessage(ctx context.Context, token, channelID, content string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return ErrChannelUnavailable
	}
	if strings.TrimSpace(token) == "" {
		return ErrUnauthorized
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	content = truncateMessage(content, maxMessageLength)

	body, err := json.Marshal(discordMessage{Content: content, AllowedMentions: allowedMentions{Parse: []string{}}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/channels/"+channelID+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+strings.TrimSpace(token))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrChannelUnavailable, resp.Status)
	default:
		return fmt.Errorf("discord returned %s", resp.Status)
	}
}

// truncateMessage cuts content to at most limit bytes without splitting a rune.
func truncateMessage(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
