package skolebot

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

// mockApplicationStore is a RecordStore for exercising store failures
type mockApplicationStore struct {
	mock.Mock
}

func (m *mockApplicationStore) Get(ctx context.Context, id string) (ApplicationRecord, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(ApplicationRecord), args.Bool(1), args.Error(2)
}

func (m *mockApplicationStore) Upsert(ctx context.Context, id string, record ApplicationRecord) error {
	args := m.Called(ctx, id, record)
	return args.Error(0)
}

func (m *mockApplicationStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockApplicationStore) LoadAll(ctx context.Context) (map[string]ApplicationRecord, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).(map[string]ApplicationRecord)
	return records, args.Error(1)
}

func (m *mockApplicationStore) SaveAll(ctx context.Context, records map[string]ApplicationRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

// storeFactories opens each store type against fresh storage
func storeFactories(t *testing.T) map[string]func(t *testing.T) *Stores {
	t.Helper()
	return map[string]func(t *testing.T) *Stores{
		StoreTypeJSON: func(t *testing.T) *Stores {
			return newTestStores(t, newTestConfig(t))
		},
		StoreTypeSQLite: func(t *testing.T) *Stores {
			cfg := newTestConfig(t)
			cfg.Store.Type = StoreTypeSQLite
			return newTestStores(t, cfg)
		},
		StoreTypeRedis: func(t *testing.T) *Stores {
			mr := miniredis.RunT(t)
			cfg := newTestConfig(t)
			cfg.Store.Type = StoreTypeRedis
			cfg.Redis.Addr = mr.Addr()
			return newTestStores(t, cfg)
		},
	}
}

func TestRecordStores(t *testing.T) {
	t.Parallel()
	for storeType, open := range storeFactories(t) {
		open := open
		t.Run(
			storeType, func(t *testing.T) {
				t.Parallel()
				ctx := context.Background()
				stores := open(t)

				_, found, err := stores.Applications.Get(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, found)

				_, err = LookupRecord(ctx, stores.Applications, "missing")
				assert.ErrorIs(t, err, ErrRecordNotFound)

				student := ApplicationRecord{
					Role:          RoleStudent,
					Name:          "Alma",
					StudentNumber: strPtr("23001"),
					Age:           "14",
					Timestamp:     1700000000000,
				}
				require.NoError(t, stores.Applications.Upsert(ctx, "u1", student))

				got, err := LookupRecord(ctx, stores.Applications, "u1")
				require.NoError(t, err)
				assert.Equal(t, "u1", got.UserID)
				assert.Equal(t, RoleStudent, got.Role)
				require.NotNil(t, got.StudentNumber)
				assert.Equal(t, "23001", *got.StudentNumber)
				assert.Equal(t, int64(1700000000000), got.Timestamp)

				teacher := ApplicationRecord{
					Role:      RoleTeacher,
					Name:      "anonym",
					Age:       "anonym",
					Timestamp: 1700000001000,
				}
				require.NoError(t, stores.Applications.Upsert(ctx, "u2", teacher))

				all, err := stores.Applications.LoadAll(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 2)
				assert.Nil(t, all["u2"].StudentNumber)
				assert.Equal(t, "u2", all["u2"].UserID)

				// replace
				student.Name = "anonym"
				require.NoError(t, stores.Applications.Upsert(ctx, "u1", student))
				got, err = LookupRecord(ctx, stores.Applications, "u1")
				require.NoError(t, err)
				assert.Equal(t, "anonym", got.Name)

				require.NoError(t, stores.Applications.Delete(ctx, "u1"))
				require.NoError(t, stores.Applications.Delete(ctx, "u1"))
				_, found, err = stores.Applications.Get(ctx, "u1")
				require.NoError(t, err)
				assert.False(t, found)

				levels := map[string]LevelRecord{
					"a": {Points: 12, Level: 1, LastMessageAt: 1},
					"b": {Points: 3, Level: 0, LastMessageAt: 2},
				}
				require.NoError(t, stores.Levels.SaveAll(ctx, levels))
				loaded, err := stores.Levels.LoadAll(ctx)
				require.NoError(t, err)
				require.Len(t, loaded, 2)
				assert.Equal(t, int64(12), loaded["a"].Points)
				assert.Equal(t, "a", loaded["a"].UserID)

				require.NoError(t, stores.Levels.SaveAll(ctx, map[string]LevelRecord{}))
				loaded, err = stores.Levels.LoadAll(ctx)
				require.NoError(t, err)
				assert.Empty(t, loaded)
			},
		)
	}
}

func TestJSONFileStore_DocumentFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := newTestConfig(t)
	stores := newTestStores(t, cfg)

	require.NoError(
		t,
		stores.Applications.Upsert(
			ctx, "123", ApplicationRecord{
				Role:          RoleStudent,
				Name:          "Bo",
				StudentNumber: strPtr("24017"),
				Age:           "anonym",
				Timestamp:     1710000000000,
			},
		),
	)
	require.NoError(
		t,
		stores.Levels.Upsert(ctx, "123", LevelRecord{Points: 4, LastMessageAt: 1710000000000}),
	)

	data, err := os.ReadFile(cfg.Store.ApplicationsFile)
	require.NoError(t, err)
	var apps map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &apps))
	assert.Equal(
		t,
		map[string]any{
			"role":       "elev",
			"name":       "Bo",
			"elevnummer": "24017",
			"age":        "anonym",
			"timestamp":  float64(1710000000000),
		},
		apps["123"],
	)

	data, err = os.ReadFile(cfg.Store.LevelsFile)
	require.NoError(t, err)
	var levels map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &levels))
	assert.Equal(
		t,
		map[string]any{
			"points":        float64(4),
			"level":         float64(0),
			"lastMessageAt": float64(1710000000000),
		},
		levels["123"],
	)
}

func TestJSONFileStore_Reload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "levels.json")

	store, err := NewJSONFileStore[LevelRecord](path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "u1", LevelRecord{Points: 7}))

	reopened, err := NewJSONFileStore[LevelRecord](path, slog.Default())
	require.NoError(t, err)
	rec, found, err := reopened.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, int64(7), rec.Points)
}

func TestJSONFileStore_EmptyAndInvalidFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	store, err := NewJSONFileStore[ApplicationRecord](empty, slog.Default())
	require.NoError(t, err)
	all, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte("{nope"), 0o600))
	_, err = NewJSONFileStore[ApplicationRecord](invalid, slog.Default())
	assert.Error(t, err)
}

func TestJSONFileStore_FailedWriteKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "levels.json")

	store, err := NewJSONFileStore[LevelRecord](path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "u1", LevelRecord{Points: 1}))

	// a directory where the document should be makes the rename fail
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	err = store.Upsert(ctx, "u2", LevelRecord{Points: 2})
	require.Error(t, err)
	_, found, err := store.Get(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, found)

	err = store.Upsert(ctx, "u1", LevelRecord{Points: 5})
	require.Error(t, err)
	rec, _, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Points)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRedisStore_Keys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := newTestConfig(t)
	cfg.Store.Type = StoreTypeRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.KeyPrefix = "school"
	stores := newTestStores(t, cfg)

	require.NoError(t, stores.Levels.Upsert(ctx, "u1", LevelRecord{Points: 3, Level: 0}))
	raw := mr.HGet("school:levels", "u1")
	require.NotEmpty(t, raw)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, float64(3), rec["points"])

	mr.HSet("school:applications", "u9", "{not json")
	_, _, err := stores.Applications.Get(ctx, "u9")
	assert.Error(t, err)
}

func TestOpenStores_RedisUnavailable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := newTestConfig(t)
	cfg.Store.Type = StoreTypeRedis
	cfg.Redis.Addr = addr
	_, err := OpenStores(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestOpenStores_UnsupportedType(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	cfg.Store.Type = "mongodb"
	_, err := OpenStores(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestInitStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := newTestConfig(t)

	apps, levels, err := InitStores(ctx, cfg, slog.Default())
	require.NoError(t, err)
	assert.Zero(t, apps)
	assert.Zero(t, levels)

	for _, path := range []string{cfg.Store.ApplicationsFile, cfg.Store.LevelsFile} {
		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		assert.JSONEq(t, "{}", string(data))
	}

	stores := newTestStores(t, cfg)
	require.NoError(t, stores.Levels.Upsert(ctx, "u1", LevelRecord{Points: 1}))

	apps, levels, err = InitStores(ctx, cfg, slog.Default())
	require.NoError(t, err)
	assert.Zero(t, apps)
	assert.Equal(t, 1, levels)
}

func TestLookupRecord_StoreError(t *testing.T) {
	t.Parallel()
	store := &mockApplicationStore{}
	storeErr := errors.New("store down")
	store.On("Get", mock.Anything, "u1").Return(ApplicationRecord{}, false, storeErr)

	_, err := LookupRecord[ApplicationRecord](context.Background(), store, "u1")
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, ErrRecordNotFound)
	store.AssertExpectations(t)
}
