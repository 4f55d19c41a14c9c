package skolebot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
)

func TestCustomID(t *testing.T) {
	t.Parallel()
	customID := encodeCustomID(reviewActionApprove, "123456789")
	assert.Equal(t, "approve:123456789", customID)

	action, memberID, ok := decodeCustomID(customID)
	require.True(t, ok)
	assert.Equal(t, reviewActionApprove, action)
	assert.Equal(t, "123456789", memberID)

	action, memberID, ok = decodeCustomID("deny_987654321")
	require.True(t, ok)
	assert.Equal(t, reviewActionDeny, action)
	assert.Equal(t, "987654321", memberID)

	for _, bad := range []string{"", "approve", "approve:", ":123", "approve_", "_123", "nope"} {
		_, _, ok = decodeCustomID(bad)
		assert.False(t, ok, bad)
	}
}

func TestUserTag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", userTag(nil))
	assert.Equal(t, "alma", userTag(&discordgo.User{Username: "alma"}))
	assert.Equal(t, "alma", userTag(&discordgo.User{Username: "alma", Discriminator: "0"}))
	assert.Equal(t, "alma#1234", userTag(&discordgo.User{Username: "alma", Discriminator: "1234"}))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "kort", truncate("kort", 10))
	assert.Equal(t, "lær", truncate("lærer", 3))
	long := strings.Repeat("æ", embedFieldMaxLength+10)
	assert.Equal(t, embedFieldMaxLength, len([]rune(truncate(long, embedFieldMaxLength))))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	u := &discordgo.User{ID: "1"}
	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Same(t, u, getDiscordUser(dm))

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: u}},
	}
	assert.Same(t, u, getDiscordUser(guild))

	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(newLogHandler(&strings.Builder{}, slog.LevelInfo))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	fallback := slog.Default()
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Port int `json:"port"`
	}
	type sample struct {
		Name   string `json:"name"`
		Secret string `json:"secret" log:"[redacted]"`
		Empty  string `json:"empty"`
		Nested *inner `json:"nested"`
		Nil    *inner `json:"nil"`
	}

	v := structToSlogValue(sample{Name: "skole", Secret: "hunter2", Nested: &inner{Port: 80}})
	require.Equal(t, slog.KindGroup, v.Kind())
	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "skole", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil")
	require.Contains(t, attrs, "nested")
	assert.Equal(t, slog.KindGroup, attrs["nested"].Kind())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	a, err := generateRandomHexString(32)
	require.NoError(t, err)
	b, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
