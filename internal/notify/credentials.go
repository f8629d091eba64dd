package notify

import (
	"context"
	"strings"

	"github.com/smallbiznis/orderledger/internal/config"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	"go.uber.org/zap"
)

const (
	CredentialTenant  = "tenant"
	CredentialDefault = "default"

	botTokenSecret = "bot_token"
)

type Credential struct {
	Name  string
	Token string
}

// CredentialResolver lists bot credentials in the order they should be tried.
type CredentialResolver struct {
	directory    tenantdomain.Directory
	defaultToken string
	log          *zap.Logger
}

func NewCredentialResolver(cfg config.Config, directory tenantdomain.Directory, log *zap.Logger) *CredentialResolver {
	return &CredentialResolver{
		directory:    directory,
		defaultToken: strings.TrimSpace(cfg.Discord.BotToken),
		log:          log.Named("notify.credentials"),
	}
}

func (r *CredentialResolver) Resolve(ctx context.Context, guild *tenantdomain.GuildConfig) []Credential {
	var out []Credential
	if guild != nil && len(guild.BotCredential) > 0 && r.directory != nil {
		opened, err := r.directory.OpenSecret(guild.BotCredential)
		if err != nil {
			r.log.Warn("tenant bot credential unreadable",
				zap.String("tenant_id", guild.TenantID.String()),
				zap.String("guild_id", guild.GuildID),
				zap.Error(err),
			)
		} else if token, _ := opened[botTokenSecret].(string); strings.TrimSpace(token) != "" {
			out = append(out, Credential{Name: CredentialTenant, Token: strings.TrimSpace(token)})
		}
	}
	if r.defaultToken != "" && (len(out) == 0 || out[0].Token != r.defaultToken) {
		out = append(out, Credential{Name: CredentialDefault, Token: r.defaultToken})
	}
	return out
}
