package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoChannel = errors.New("notify_no_channel")

type Message struct {
	Kind     string
	TenantID snowflake.ID
	Guild    *tenantdomain.GuildConfig
	// Channels are tried in order until one accepts the message.
	Channels []string
	Content  string
}

type Delivery struct {
	ChannelID    string
	Credential   string
	FallbackUsed bool
}

type DispatcherParams struct {
	fx.In

	Poster      Poster
	Credentials *CredentialResolver
	Log         *zap.Logger
	Metrics     *metrics.SettlementMetrics `optional:"true"`
}

// Dispatcher sends a message with channel and credential fallback.
type Dispatcher struct {
	poster      Poster
	credentials *CredentialResolver
	log         *zap.Logger
	metrics     *metrics.SettlementMetrics
	timeout     time.Duration
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		poster:      p.Poster,
		credentials: p.Credentials,
		log:         p.Log.Named("notify.dispatcher"),
		metrics:     p.Metrics,
		timeout:     defaultPostTimeout,
	}
}

// WithTimeout returns a dispatcher bounding each post by d.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	clone := *d
	if timeout > 0 {
		clone.timeout = timeout
	}
	return &clone
}

func (d *Dispatcher) Send(ctx context.Context, msg Message) (*Delivery, error) {
	channels := uniqueChannels(msg.Channels)
	if len(channels) == 0 {
		return nil, ErrNoChannel
	}
	creds := d.credentials.Resolve(ctx, msg.Guild)
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: no bot credential configured", ErrUnauthorized)
	}

	var lastErr error
	for ci, channelID := range channels {
		if ci > 0 {
			d.metrics.IncNotificationFallback(metrics.NotificationFallbackChannel)
		}
		for ki, cred := range creds {
			if ki > 0 {
				d.metrics.IncNotificationFallback(metrics.NotificationFallbackCredential)
			}
			err := d.post(ctx, cred, channelID, msg.Content)
			if err == nil {
				return &Delivery{ChannelID: channelID, Credential: cred.Name, FallbackUsed: ci > 0 || ki > 0}, nil
			}
			lastErr = err
			d.log.Warn("notification attempt failed",
				zap.String("kind", msg.Kind),
				zap.String("tenant_id", msg.TenantID.String()),
				zap.String("channel_id", channelID),
				zap.String("credential", cred.Name),
				zap.Error(err),
			)
			if errors.Is(err, ErrEmptyMessage) {
				return nil, err
			}
			if !errors.Is(err, ErrUnauthorized) {
				break
			}
		}
	}
	return nil, fmt.Errorf("notify %s: all channels failed: %w", msg.Kind, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, cred Credential, channelID, content string) error {
	postCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.poster.PostMessage(postCtx, cred.Token, channelID, content)
}

func uniqueChannels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
