package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordActive(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	base := Record{
		Name:        "browser",
		Enabled:     true,
		StartupMode: StartupOnUse,
		Command:     []string{"browser-provider", "--headless"},
	}

	tests := []struct {
		name   string
		mutate func(r *Record)
		folder string
		env    map[string]string
		want   bool
	}{
		{"enabled with no constraints", func(r *Record) {}, "any-group", nil, true},
		{"disabled", func(r *Record) { r.Enabled = false }, "any-group", nil, false},
		{"manual start never auto-activates", func(r *Record) { r.StartupMode = StartupManual }, "any-group", nil, false},
		{"group on allowlist", func(r *Record) { r.GroupAllowlist = []string{"family", "work"} }, "work", nil, true},
		{"group off allowlist", func(r *Record) { r.GroupAllowlist = []string{"family"} }, "work", nil, false},
		{"required env present", func(r *Record) { r.RequiredEnv = []string{"BROWSER_TOKEN"} }, "any-group",
			map[string]string{"BROWSER_TOKEN": "t"}, true},
		{"required env missing", func(r *Record) { r.RequiredEnv = []string{"BROWSER_TOKEN"} }, "any-group", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			assert.Equal(t, tt.want, r.Active(tt.folder, env(tt.env)))
		})
	}
}

const registryYAML = `providers:
  - name: browser
    enabled: true
    startupMode: on-use
    command: ["browser-provider", "--headless"]
  - name: calendar
    enabled: false
    startupMode: eager
    command: ["calendar-provider"]
`

func writeRegistry(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeRegistry(t, path, registryYAML)

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	browser, ok := r.Get("browser")
	require.True(t, ok)
	assert.True(t, browser.Enabled)
	assert.Equal(t, StartupOnUse, browser.StartupMode)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	active := r.ActiveFor("any-group")
	require.Len(t, active, 1)
	assert.Equal(t, "browser", active[0].Name)
}

func TestLoadRegistryEmptyPath(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Empty(t, r.ActiveFor("any-group"))
}

func TestLoadRegistryRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"nameless record", "providers:\n  - enabled: true\n"},
		{"duplicate name", "providers:\n  - name: a\n  - name: a\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "providers.yaml")
			writeRegistry(t, path, tt.content)
			_, err := LoadRegistry(path)
			assert.Error(t, err)
		})
	}
}

func TestWatchHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeRegistry(t, path, registryYAML)

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Watch())
	defer r.Stop()

	writeRegistry(t, path, `providers:
  - name: browser
    enabled: false
    startupMode: on-use
    command: ["browser-provider"]
`)
	require.Eventually(t, func() bool {
		rec, ok := r.Get("browser")
		return ok && !rec.Enabled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchKeepsTableOnBadEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeRegistry(t, path, registryYAML)

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Watch())
	defer r.Stop()

	writeRegistry(t, path, "providers:\n  - enabled: true\n")

	// The bad edit must never empty the table.
	time.Sleep(100 * time.Millisecond)
	rec, ok := r.Get("browser")
	require.True(t, ok)
	assert.True(t, rec.Enabled)
}
