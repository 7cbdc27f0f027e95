package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

func strPtr(s string) *string { return &s }

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	m := map[string]opener{
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if dsn := os.Getenv("COLLECTOR_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			ss := st.(*sqlStore)
			_, err = ss.db.Exec(`TRUNCATE posts, backfill RESTART IDENTITY`)
			require.NoError(t, err)
			return st
		}
	}
	return m
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func TestInsertIfAbsentIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		p, created, err := st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 42, Text: strPtr("hello"), PostedAt: at})
		require.NoError(t, err)
		require.True(t, created)
		require.NotZero(t, p.ID)

		again, created, err := st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 42, Text: strPtr("changed"), PostedAt: at.Add(time.Hour)})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, p.ID, again.ID)
		require.NotNil(t, again.Text)
		assert.Equal(t, "hello", *again.Text)

		got, err := st.GetOne(ctx, "news", 42)
		require.NoError(t, err)
		assert.Equal(t, at, got.PostedAt)
		assert.Empty(t, got.MediaPath)
	})
}

func TestInsertIfAbsentConcurrent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.InsertIfAbsent(ctx, Post{Channel: "race", MessageID: 7})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)

		posts, err := st.ListByChannel(ctx, "race", 10, 0)
		require.NoError(t, err)
		assert.Len(t, posts, 1)
	})
}

func TestListOrderingAndPaging(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := int64(1); i <= 5; i++ {
			_, _, err := st.InsertIfAbsent(ctx, Post{Channel: "a", MessageID: i, PostedAt: base.Add(time.Duration(i) * time.Minute)})
			require.NoError(t, err)
		}
		_, _, err := st.InsertIfAbsent(ctx, Post{Channel: "b", MessageID: 1, PostedAt: base.Add(time.Hour), MediaPath: "b_1.jpg"})
		require.NoError(t, err)

		posts, err := st.ListByChannel(ctx, "a", 2, 1)
		require.NoError(t, err)
		require.Len(t, posts, 2)
		assert.Equal(t, int64(4), posts[0].MessageID)
		assert.Equal(t, int64(3), posts[1].MessageID)

		all, err := st.ListAll(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, "b", all[0].Channel)
		assert.Equal(t, "b_1.jpg", all[0].MediaPath)

		empty, err := st.ListByChannel(ctx, "missing", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestGetOneNotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		_, err := st.GetOne(context.Background(), "news", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBackfillLedgerTransitionsOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		done, err := st.IsCompleted(ctx, "news")
		require.NoError(t, err)
		assert.False(t, done)

		require.NoError(t, st.MarkPending(ctx, "news"))
		require.NoError(t, st.MarkPending(ctx, "news"))

		ok, err := st.MarkCompleted(ctx, "news")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.MarkCompleted(ctx, "news")
		require.NoError(t, err)
		assert.False(t, ok, "second completion must not transition")

		// pending after completed is a no-op
		require.NoError(t, st.MarkPending(ctx, "news"))
		done, err = st.IsCompleted(ctx, "news")
		require.NoError(t, err)
		assert.True(t, done)

		recs, err := st.Records(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, StatusCompleted, recs[0].Status)
		assert.False(t, recs[0].CompletedAt.IsZero())
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, _, err = st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 1})
	require.NoError(t, err)
	_, err = st.MarkCompleted(ctx, "news")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, created, err := st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 1})
	require.NoError(t, err)
	assert.False(t, created)
	p, created, err := st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 2})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2), p.ID)

	done, err := st.IsCompleted(ctx, "news")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPostgresRebind(t *testing.T) {
	s := &sqlStore{dollar: true}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", s.q("SELECT 1 WHERE a = ? AND b = ?"))
	s.dollar = false
	assert.Equal(t, "a = ?", s.q("a = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}

// tornFile writes half of the next record and then fails, like a full disk.
type tornFile struct {
	*os.File
	tear bool
}

func (f *tornFile) Write(b []byte) (int, error) {
	if f.tear {
		f.tear = false
		n, _ := f.File.Write(b[:len(b)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(b)
}

func TestFileStoreTornAppendDoesNotCorruptNextPost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	torn := &tornFile{File: fs.postsFile.(*os.File), tear: true}
	fs.postsFile = torn

	_, _, err = st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 1, Text: strPtr("lost")})
	require.Error(t, err)
	_, created, err := st.InsertIfAbsent(ctx, Post{Channel: "news", MessageID: 2, Text: strPtr("kept")})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.GetOne(ctx, "news", 2)
	assert.NoError(t, err, "post acknowledged after a torn write survives reopen")
	_, err = st.GetOne(ctx, "news", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRejectsCorruptLedgerSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	require.NoError(t, os.WriteFile(path+".backfill.snapshot.json", []byte(`{"news":`), 0o600))
	_, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	assert.Error(t, err, "a corrupt snapshot must not reset completed channels")
}
