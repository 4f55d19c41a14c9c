package cmd

import (
	"context"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

func TestRunBot_InvalidConfig(t *testing.T) {
	config := skolebot.DefaultConfig()
	config.Discord.GuildID = "guild-1"
	doc := filepath.Join(t.TempDir(), "records.json")
	config.Store.ApplicationsFile = doc
	config.Store.LevelsFile = doc

	err := runBot(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error running bot (json store, guild guild-1)")
}

func TestRunBot_NilConfig(t *testing.T) {
	err := runBot(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error creating bot (no store configured)")
}

func TestRunTarget(t *testing.T) {
	config := skolebot.DefaultConfig()
	config.Store.Type = skolebot.StoreTypeRedis
	config.Discord.GuildID = ""
	assert.Equal(t, "redis store", runTarget(config))
}
