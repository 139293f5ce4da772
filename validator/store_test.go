package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwtgate/jwtgate/testkit"
)

func goodConfig(jwksURL string) string {
	return fmt.Sprintf(`
authorities:
  main:
    jwks_url: %s
    leeway_seconds: 60
validators:
  api:
    authority: main
`, jwksURL)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func quietOptions() Options {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return Options{Logger: log}
}

func TestStoreLoadAndEvaluate(t *testing.T) {
	iss := testkit.NewIssuer()
	defer iss.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, goodConfig(iss.JWKSURL()))

	store := NewStore(path, quietOptions())
	assert.Equal(t, StatusStarting, store.Status())

	require.NoError(t, store.Load())
	defer store.Close()
	assert.Equal(t, StatusRunning, store.Status())
	assert.Equal(t, []string{"api"}, store.Names())

	h := http.Header{}
	h.Set("Authorization", "Bearer "+iss.Token(testkit.Claims("alice", time.Hour)))
	dec := store.Evaluate(context.Background(), "api", h)
	assert.True(t, dec.Allow)
}

func TestStoreReloadKeepsWarmKeys(t *testing.T) {
	iss := testkit.NewIssuer()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, goodConfig(iss.JWKSURL()))

	store := NewStore(path, quietOptions())
	require.NoError(t, store.Load())
	defer store.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+iss.Token(testkit.Claims("alice", time.Hour)))
	require.True(t, store.Evaluate(context.Background(), "api", h).Allow)

	// Take the key source down; the warm snapshot keeps serving.
	iss.Close()
	require.True(t, store.Evaluate(context.Background(), "api", h).Allow)

	// A reload must not reset the authority to cold: the unchanged URL
	// keeps its snapshot even though the source is unreachable.
	require.NoError(t, store.Load())
	dec := store.Evaluate(context.Background(), "api", h)
	assert.True(t, dec.Allow, "reload dropped the warm key snapshot: %s %s", dec.Reason, dec.Detail)
}

func TestStoreLoadFailsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "authorities:\n  main: {}\n")

	store := NewStore(path, quietOptions())
	assert.Error(t, store.Load())
	assert.Equal(t, StatusStarting, store.Status())

	dec := store.Evaluate(context.Background(), "api", http.Header{})
	assert.False(t, dec.Allow)
	assert.Equal(t, ReasonUnknownValidator, dec.Reason)
}

func TestStoreWatchReloadsOnChange(t *testing.T) {
	iss := testkit.NewIssuer()
	defer iss.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, goodConfig(iss.JWKSURL()))

	store := NewStore(path, quietOptions())
	require.NoError(t, store.Load())
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher a moment to register before the first write.
	time.Sleep(100 * time.Millisecond)

	// Rewrite the file with a second validator and wait for the reload.
	writeConfig(t, path, goodConfig(iss.JWKSURL())+`
  internal:
    authority: main
    header: X-Internal-Token
    header_prefix: ""
`)
	assert.Eventually(t, func() bool {
		names := store.Names()
		return len(names) == 2 && names[1] == "internal"
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestStoreFaultyConfigRefusesRequests(t *testing.T) {
	iss := testkit.NewIssuer()
	defer iss.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, goodConfig(iss.JWKSURL()))

	store := NewStore(path, quietOptions())
	require.NoError(t, store.Load())
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// A broken reload clears the registry instead of keeping the old one.
	writeConfig(t, path, "validators:\n  api:\n    authority: missing\n")
	assert.Eventually(t, func() bool {
		return store.Status() == StatusFaultyConfig
	}, 3*time.Second, 50*time.Millisecond)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+iss.Token(testkit.Claims("alice", time.Hour)))
	dec := store.Evaluate(context.Background(), "api", h)
	assert.False(t, dec.Allow)
	assert.Equal(t, ReasonUnknownValidator, dec.Reason)

	// A good write brings the service back.
	writeConfig(t, path, goodConfig(iss.JWKSURL()))
	assert.Eventually(t, func() bool {
		return store.Status() == StatusRunning
	}, 3*time.Second, 50*time.Millisecond)

	dec = store.Evaluate(context.Background(), "api", h)
	assert.True(t, dec.Allow)
}
