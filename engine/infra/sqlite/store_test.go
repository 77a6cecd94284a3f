package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a temp-file database with migrations applied.
func newTestStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tianshu.db")
	s, err := NewStore(ctx, path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, ApplyMigrations(ctx, s.DB()))
	return s
}

func TestBuildDSN(t *testing.T) {
	t.Run("Should build DSN for file path with pragmas", func(t *testing.T) {
		d := buildDSN("/tmp/test.db", 0)
		assert.Contains(t, d, "file:/tmp/test.db")
		assert.Contains(t, d, "_txlock=immediate")
		assert.Contains(t, d, "_pragma=journal_mode(WAL)")
		assert.Contains(t, d, "_pragma=foreign_keys(ON)")
		assert.Contains(t, d, "_pragma=busy_timeout(5000)")
	})
	t.Run("Should render the configured busy timeout in milliseconds", func(t *testing.T) {
		d := buildDSN("/tmp/test.db", 30*time.Second)
		assert.Contains(t, d, "_pragma=busy_timeout(30000)")
	})
	t.Run("Should build DSN for in-memory shared cache", func(t *testing.T) {
		d := buildDSN(":memory:", 0)
		assert.Contains(t, d, "file::memory:?cache=shared")
	})
}

func TestMigrations(t *testing.T) {
	t.Run("Should apply embedded migrations and create the schema", func(t *testing.T) {
		ctx := context.Background()
		s := newTestStore(ctx, t)
		for _, table := range []string{"tasks", "users", "api_keys"} {
			var name string
			err := s.DB().QueryRowContext(ctx,
				`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
			).Scan(&name)
			require.NoError(t, err, "table %s should exist", table)
			assert.Equal(t, table, name)
		}
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newTestStore(ctx, t)
		require.NoError(t, ApplyMigrations(ctx, s.DB()))
	})
}

func TestJSONHelpers(t *testing.T) {
	t.Run("Should marshal and unmarshal JSON TEXT", func(t *testing.T) {
		type S struct {
			A int    `json:"a"`
			B string `json:"b"`
		}
		in := &S{A: 42, B: "x"}
		b, err := ToJSONText(in)
		require.NoError(t, err)
		var out *S
		err = FromJSONText(b, &out)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.A, out.A)
		assert.Equal(t, in.B, out.B)
	})

	t.Run("Should map nil values to NULL", func(t *testing.T) {
		b, err := ToJSONText(nil)
		require.NoError(t, err)
		assert.False(t, b.Valid)
	})
}

func TestTimeHelpers(t *testing.T) {
	t.Run("Should keep lexicographic and chronological order aligned", func(t *testing.T) {
		earlier := fmtTime(mustParse(t, "2026-01-02T03:04:05.000000000Z"))
		later := fmtTime(mustParse(t, "2026-01-02T03:04:05.000000100Z"))
		assert.Less(t, earlier, later)
	})
	t.Run("Should round-trip through the column format", func(t *testing.T) {
		in := mustParse(t, "2026-05-06T07:08:09.123456789Z")
		out, err := parseTime(fmtTime(in))
		require.NoError(t, err)
		assert.True(t, in.Equal(out))
	})
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return parsed
}

func TestPlaceholderBuilder(t *testing.T) {
	t.Run("Should build question list", func(t *testing.T) {
		assert.Equal(t, "?,?,?", questionList(3))
		assert.Equal(t, "?", questionList(1))
		assert.Equal(t, "", questionList(0))
	})
}
