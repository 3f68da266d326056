package cache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	urls := []string{
		"https://x.test/a",
		"https://x.test/a/",
		"https://x.test/a?b=1",
		"http://x.test/a",
		"",
	}
	seen := map[string]string{}
	for _, u := range urls {
		key := DeriveKey(u)
		assert.Equal(t, key, DeriveKey(u), "key for %q changed between calls", u)

		parsed, err := uuid.Parse(key)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(5), parsed.Version())
		assert.Len(t, key, 36)

		if other, ok := seen[key]; ok {
			t.Errorf("%q and %q derived the same key %s", u, other, key)
		}
		seen[key] = u
	}
}

func TestDeriveKeyUsesURLNamespace(t *testing.T) {
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://x.test/a")).String(), DeriveKey("https://x.test/a"))
	assert.NotEqual(t, uuid.NewSHA1(uuid.NameSpaceDNS, []byte("https://x.test/a")).String(), DeriveKey("https://x.test/a"))

	// Same algorithm as Python's uuid.uuid5(uuid.NAMESPACE_DNS, "python.org")
	assert.Equal(t, "886313e1-3b8a-5372-9b90-0c9aee199e5d", uuid.NewSHA1(uuid.NameSpaceDNS, []byte("python.org")).String())
}
