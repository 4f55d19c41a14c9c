package cmd

import (
	"bytes"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func executeInit(t *testing.T) string {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	output := out.String()
	t.Logf("output: %s", output)
	return output
}

func TestInitCommandJSON(t *testing.T) {
	tempDir := t.TempDir()
	appsPath := filepath.Join(tempDir, "applications.json")
	levelsPath := filepath.Join(tempDir, "levels.json")

	t.Setenv("SB_STORE_TYPE", skolebot.StoreTypeJSON)
	t.Setenv("SB_STORE_APPLICATIONS_FILE", appsPath)
	t.Setenv("SB_STORE_LEVELS_FILE", levelsPath)

	output := executeInit(t)
	assert.Contains(t, output, "Store ready (type: json, applications: 0, levels: 0)")
	assert.Contains(t, output, "Initialization complete")

	for _, p := range []string{appsPath, levelsPath} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(data))
	}
}

func TestInitCommandKeepsExistingDocuments(t *testing.T) {
	tempDir := t.TempDir()
	appsPath := filepath.Join(tempDir, "applications.json")
	levelsPath := filepath.Join(tempDir, "levels.json")

	existing := `{"123": {"role": "lærer", "name": "anonym", "elevnummer": null, "age": "anonym", "timestamp": 1}}`
	require.NoError(t, os.WriteFile(appsPath, []byte(existing), 0o600))

	t.Setenv("SB_STORE_TYPE", skolebot.StoreTypeJSON)
	t.Setenv("SB_STORE_APPLICATIONS_FILE", appsPath)
	t.Setenv("SB_STORE_LEVELS_FILE", levelsPath)

	output := executeInit(t)
	assert.Contains(t, output, "applications: 1, levels: 0")

	data, err := os.ReadFile(appsPath)
	require.NoError(t, err)
	assert.JSONEq(t, existing, string(data))

	_, err = os.Stat(levelsPath)
	assert.NoError(t, err, "levels document should exist")
}

func TestInitCommandSQLite(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("SB_STORE_TYPE", skolebot.StoreTypeSQLite)
	t.Setenv("SB_STORE_DATABASE", dbPath)

	output := executeInit(t)
	assert.Contains(t, output, "Store ready (type: sqlite")

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "Database file should exist")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&skolebot.ApplicationRecord{}))
	assert.True(t, mg.HasTable(&skolebot.LevelRecord{}))
}
