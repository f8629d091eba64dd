package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/notify"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type secretDirectory struct {
	tenantdomain.Directory
	secrets map[string]any
	err     error
}

func (d secretDirectory) OpenSecret(envelope []byte) (map[string]any, error) {
	return d.secrets, d.err
}

type call struct {
	token   string
	channel string
}

type scriptedPoster struct {
	calls   []call
	results map[call]error
}

func (p *scriptedPoster) PostMessage(ctx context.Context, token, channelID, content string) error {
	c := call{token: token, channel: channelID}
	p.calls = append(p.calls, c)
	return p.results[c]
}

func guildWithCredential() *tenantdomain.GuildConfig {
	return &tenantdomain.GuildConfig{GuildID: "g1", BotCredential: datatypes.JSON(`{"version":1}`)}
}

func newDispatcher(poster notify.Poster, dir tenantdomain.Directory) *notify.Dispatcher {
	creds := notify.NewCredentialResolver(config.Config{Discord: config.DiscordConfig{BotToken: "default-token"}}, dir, zap.NewNop())
	return notify.NewDispatcher(notify.DispatcherParams{Poster: poster, Credentials: creds, Log: zap.NewNop()})
}

func TestDiscordPosterStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{status: http.StatusOK},
		{status: http.StatusUnauthorized, want: notify.ErrUnauthorized},
		{status: http.StatusForbidden, want: notify.ErrChannelUnavailable},
		{status: http.StatusNotFound, want: notify.ErrChannelUnavailable},
	}
	for _, tc := range cases {
		var gotAuth, gotPath string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(tc.status)
		}))

		poster := notify.NewDiscordPosterWithClient(srv.URL, srv.Client())
		err := poster.PostMessage(context.Background(), "tok", "123", "hello")
		srv.Close()

		if tc.want == nil {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, tc.want)
		}
		assert.Equal(t, "Bot tok", gotAuth)
		assert.Equal(t, "/channels/123/messages", gotPath)
		assert.Equal(t, "hello", gotBody["content"])
	}
}

func TestDiscordPosterTruncatesOnRuneBoundary(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prefix := strings.Repeat("a", 1999)
	err := notify.NewDiscordPosterWithClient(srv.URL, srv.Client()).PostMessage(context.Background(), "tok", "1", prefix+"é and more")
	require.NoError(t, err)

	content, _ := gotBody["content"].(string)
	assert.True(t, utf8.ValidString(content))
	assert.Equal(t, prefix, content, "the two byte rune straddling the limit is dropped whole")
}

func TestDiscordPosterServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewDiscordPosterWithClient(srv.URL, srv.Client()).PostMessage(context.Background(), "tok", "1", "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, notify.ErrUnauthorized))
	assert.False(t, errors.Is(err, notify.ErrChannelUnavailable))
}

func TestDispatcherFallsBackToDefaultCredential(t *testing.T) {
	poster := &scriptedPoster{results: map[call]error{
		{token: "tenant-token", channel: "paid-log"}: notify.ErrUnauthorized,
	}}
	d := newDispatcher(poster, secretDirectory{secrets: map[string]any{"bot_token": "tenant-token"}})

	delivery, err := d.Send(context.Background(), notify.Message{
		Kind:     "staff",
		Guild:    guildWithCredential(),
		Channels: []string{"paid-log", "referral-log"},
		Content:  "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, "paid-log", delivery.ChannelID)
	assert.Equal(t, notify.CredentialDefault, delivery.Credential)
	assert.True(t, delivery.FallbackUsed)
	assert.Equal(t, []call{{"tenant-token", "paid-log"}, {"default-token", "paid-log"}}, poster.calls)
}

func TestDispatcherFallsBackToAlternateChannel(t *testing.T) {
	poster := &scriptedPoster{results: map[call]error{
		{token: "default-token", channel: "ticket"}: notify.ErrChannelUnavailable,
	}}
	d := newDispatcher(poster, nil)

	delivery, err := d.Send(context.Background(), notify.Message{
		Kind:     "customer",
		Guild:    &tenantdomain.GuildConfig{},
		Channels: []string{"ticket", "", "ticket", "paid-log"},
		Content:  "thanks",
	})
	require.NoError(t, err)
	assert.Equal(t, "paid-log", delivery.ChannelID)
	assert.Len(t, poster.calls, 2)
}

func TestDispatcherHardFailure(t *testing.T) {
	poster := &scriptedPoster{results: map[call]error{
		{token: "default-token", channel: "a"}: notify.ErrChannelUnavailable,
		{token: "default-token", channel: "b"}: errors.New("timeout"),
	}}
	d := newDispatcher(poster, nil)

	_, err := d.Send(context.Background(), notify.Message{Kind: "staff", Channels: []string{"a", "b"}, Content: "x"})
	require.Error(t, err)

	_, err = d.Send(context.Background(), notify.Message{Kind: "staff", Content: "x"})
	assert.ErrorIs(t, err, notify.ErrNoChannel)
}

func TestCredentialResolverSkipsUnreadableTenantCredential(t *testing.T) {
	r := notify.NewCredentialResolver(config.Config{Discord: config.DiscordConfig{BotToken: "default-token"}}, secretDirectory{err: errors.New("bad envelope")}, zap.NewNop())
	creds := r.Resolve(context.Background(), guildWithCredential())
	require.Len(t, creds, 1)
	assert.Equal(t, notify.CredentialDefault, creds[0].Name)

	empty := notify.NewCredentialResolver(config.Config{}, nil, zap.NewNop())
	assert.Empty(t, empty.Resolve(context.Background(), nil))
}

func TestMaskAnswers(t *testing.T) {
	masked := notify.MaskAnswers(map[string]string{
		"Username":         "player1",
		"account_password": "hunter2",
		"Backup PIN":       "1234",
		"shipping":         "express",
		"recovery_email":   "x@y.z",
		" ":                "dropped",
	}, map[string]struct{}{"recovery_email": {}})

	assert.Equal(t, "player1", masked["Username"])
	assert.Equal(t, "****", masked["account_password"])
	assert.Equal(t, "****", masked["Backup PIN"])
	assert.Equal(t, "express", masked["shipping"])
	assert.Equal(t, "****", masked["recovery_email"])
	assert.NotContains(t, masked, " ")
}

func TestStaffMessageMasksEmail(t *testing.T) {
	msg := notify.StaffMessage(notify.PaidOrderSummary{
		OrderSessionID: "42",
		ProductName:    "Account",
		VariantName:    "Standard",
		CustomerEmail:  "buyer@example.com",
		TotalMinor:     1250,
		Currency:       "GBP",
		Provider:       "paylink",
		Answers:        map[string]string{"password": "****"},
	})
	assert.Contains(t, msg, "b****@example.com")
	assert.Contains(t, msg, "12.50 GBP")
	assert.NotContains(t, msg, "buyer@example.com")
}
