package cache

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/flanksource/resultcache/exec"
	"github.com/flanksource/resultcache/shutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperDBEnv = "RESULTCACHE_HELPER_DB"
	helperIDEnv = "RESULTCACHE_HELPER_ID"

	helperURLs = 40
)

// TestHelperWriterProcess is not a real test: TestMultiProcessWriters runs the
// test binary again with only this test selected, once per writer process.
func TestHelperWriterProcess(t *testing.T) {
	path := os.Getenv(helperDBEnv)
	if path == "" {
		t.Skip("only runs as a child of TestMultiProcessWriters")
	}
	id := os.Getenv(helperIDEnv)
	ctx := context.Background()

	c, err := New(Config{DBPath: path})
	require.NoError(t, err)
	for i := 0; i < helperURLs; i++ {
		url := fmt.Sprintf("https://x.test/p%s/%d", id, i)
		require.NoError(t, c.Store(ctx, url, analysis{Score: i, Summary: id}))

		var got analysis
		found, err := c.GetInto(ctx, url, &got)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, analysis{Score: i, Summary: id}, got)

		// read whatever the other writers have stored so far
		_, _, err = c.Get(ctx, fmt.Sprintf("https://x.test/p0/%d", i))
		require.NoError(t, err)
	}
}

func TestMultiProcessWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	defer shutdown.Shutdown()

	config := newTestConfig(t)
	require.NoError(t, Initialize(context.Background(), config))

	const writers = 4
	processes := make([]*exec.Process, 0, writers)
	for i := 0; i < writers; i++ {
		p := exec.Command(os.Args[0], "-test.run=^TestHelperWriterProcess$", "-test.count=1").
			WithEnv(map[string]string{
				helperDBEnv: config.DBPath,
				helperIDEnv: fmt.Sprint(i),
			})
		require.NoError(t, p.Start(context.Background()))
		processes = append(processes, p)
	}
	for i, p := range processes {
		assert.NoError(t, p.Wait(), "writer %d:\n%s", i, p.Out())
	}

	c, err := New(config)
	require.NoError(t, err)
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(writers*helperURLs), stats.Count)
	assert.Equal(t, writers*helperURLs, countRows(t, c))

	for i := 0; i < writers; i++ {
		var got analysis
		found, err := c.GetInto(context.Background(), fmt.Sprintf("https://x.test/p%d/%d", i, helperURLs-1), &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, fmt.Sprint(i), got.Summary)
	}
}
