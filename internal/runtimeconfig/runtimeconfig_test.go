package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStore(t *testing.T) {
	t.Run("get and set", func(t *testing.T) {
		s := NewStore(zaptest.NewLogger(t))

		_, ok := s.Get("a")
		assert.False(t, ok)

		s.Set("a", "1")
		v, ok := s.Get("a")
		require.True(t, ok)
		assert.Equal(t, "1", v)
	})

	t.Run("bool parsing falls back to default", func(t *testing.T) {
		s := NewStore(nil)
		assert.True(t, s.GetBool("missing", true))

		s.Set("flag", "not-a-bool")
		assert.False(t, s.GetBool("flag", false))

		s.SetBool("flag", true)
		assert.True(t, s.GetBool("flag", false))
	})

	t.Run("listeners only fire on change", func(t *testing.T) {
		s := NewStore(nil)
		var calls []string
		cancel := s.Subscribe("k", func(key, value string) {
			calls = append(calls, key+"="+value)
		})

		s.Set("k", "x")
		s.Set("k", "x")
		s.Set("k", "y")
		s.Set("other", "z")
		assert.Equal(t, []string{"k=x", "k=y"}, calls)

		cancel()
		s.Set("k", "w")
		assert.Len(t, calls, 2)
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		s := NewStore(nil)
		s.Load(map[string]string{"a": "1", "b": "2"})

		snap := s.Snapshot()
		snap["a"] = "changed"

		v, _ := s.Get("a")
		assert.Equal(t, "1", v)
		assert.Len(t, snap, 2)
	})
}

func TestCell(t *testing.T) {
	t.Run("uses default when unset", func(t *testing.T) {
		s := NewStore(nil)
		c := NewCell(s, "plugin.x", true)
		assert.True(t, c.Get())
		assert.Equal(t, "plugin.x", c.Key())
		assert.True(t, c.Default())
	})

	t.Run("reads existing value", func(t *testing.T) {
		s := NewStore(nil)
		s.SetBool("plugin.x", false)
		c := NewCell(s, "plugin.x", true)
		assert.False(t, c.Get())
	})

	t.Run("cache follows store writes synchronously", func(t *testing.T) {
		s := NewStore(nil)
		c := NewCell(s, "plugin.x", false)

		var seen []bool
		c.OnChange(func(v bool) { seen = append(seen, v) })

		s.SetBool("plugin.x", true)
		assert.True(t, c.Get())

		c.Set(true)
		c.Set(false)
		assert.False(t, c.Get())
		assert.Equal(t, []bool{true, false}, seen)
	})

	t.Run("observers run in order on a snapshot", func(t *testing.T) {
		s := NewStore(nil)
		c := NewCell(s, "plugin.x", false)

		var calls []string
		c.OnChange(func(v bool) {
			calls = append(calls, "first")
			if v {
				c.OnChange(func(bool) { calls = append(calls, "late") })
			}
		})
		c.OnChange(func(bool) { calls = append(calls, "second") })

		c.Set(true)
		assert.Equal(t, []string{"first", "second"}, calls)

		c.Set(false)
		assert.Equal(t, []string{"first", "second", "first", "second", "late"}, calls)
	})

	t.Run("garbage value resolves to default", func(t *testing.T) {
		s := NewStore(nil)
		c := NewCell(s, "plugin.x", true)
		c.Set(false)
		s.Set("plugin.x", "maybe")
		assert.True(t, c.Get())
	})

	t.Run("closed cell stops tracking", func(t *testing.T) {
		s := NewStore(nil)
		c := NewCell(s, "plugin.x", false)
		c.Close()

		s.SetBool("plugin.x", true)
		assert.False(t, c.Get())
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		values, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("nested keys are flattened", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "props.yaml")
		content := `
plugin:
  xmldebugger:
    c2s-starttls: false
    logWhitespace: true
    interpretedAllowed: "true"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		values, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"plugin.xmldebugger.c2s-starttls":       "false",
			"plugin.xmldebugger.logWhitespace":      "true",
			"plugin.xmldebugger.interpretedAllowed": "true",
		}, values)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("a: [unclosed"))
		assert.Error(t, err)
	})
}
