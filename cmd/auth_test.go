package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/deskauth/internal/cachestore"
	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/graph"
	"github.com/giantswarm/deskauth/internal/redirect"
	"github.com/giantswarm/deskauth/internal/surface"
	"github.com/giantswarm/deskauth/internal/testing/fakeidp"
)

func TestAuthCommandStructure(t *testing.T) {
	t.Run("auth command properties", func(t *testing.T) {
		if authCmd.Use != "auth" {
			t.Errorf("expected Use 'auth', got %q", authCmd.Use)
		}
		if authCmd.Short == "" || authCmd.Long == "" {
			t.Error("expected Short and Long descriptions to be set")
		}
	})

	t.Run("auth has subcommands", func(t *testing.T) {
		foundCommands := make(map[string]bool)
		for _, cmd := range authCmd.Commands() {
			foundCommands[cmd.Name()] = true
		}
		for _, expected := range []string{"login", "logout", "status", "token"} {
			if !foundCommands[expected] {
				t.Errorf("expected subcommand %q to be registered", expected)
			}
		}
	})

	t.Run("session flags", func(t *testing.T) {
		for _, c := range []string{"auth", "profile", "mail"} {
			sub, _, err := rootCmd.Find([]string{c})
			require.NoError(t, err)
			for _, name := range []string{"surface", "choose-account", "no-interactive"} {
				if sub.PersistentFlags().Lookup(name) == nil {
					t.Errorf("expected %s to have --%s", c, name)
				}
			}
		}
	})
}

// cliEnv is a fake identity provider and Graph API the CLI is pointed at.
type cliEnv struct {
	idp       *fakeidp.Server
	configDir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	idp := fakeidp.New(fakeidp.Config{PKCERequired: true})
	t.Cleanup(idp.Close)

	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || len(r.Header.Get("Authorization")) <= len("Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1.0/me":
			_, _ = w.Write([]byte(`{"id":"42","displayName":"Adele Vance","userPrincipalName":"adele@contoso.example"}`))
		case "/v1.0/me/messages":
			_, _ = w.Write([]byte(`{"value":[{"id":"m1","subject":"Quarterly report","receivedDateTime":"2024-05-01T09:30:00Z",
				"from":{"emailAddress":{"name":"Megan Bowen","address":"megan@contoso.example"}}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(graphSrv.Close)

	t.Setenv("DESKAUTH_CLIENT_ID", idp.ClientID())
	t.Setenv("DESKAUTH_AUTHORITY", idp.Issuer())
	t.Setenv("DESKAUTH_GRAPH_BASE_URL", graphSrv.URL+"/v1.0")

	return &cliEnv{idp: idp, configDir: t.TempDir()}
}

// run executes the CLI with fresh flag values and returns stdout and stderr.
func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	surfaceKind = SurfaceBrowser
	chooseAccount = false
	noInteractive = false
	tokenPurpose = config.PurposeProfile
	tokenShowAccount = false
	logoutAll = false
	statusWatch = false
	mailTop = graph.DefaultMessagePageSize
	mailPreview = false
	quiet = false
	logLevel = "warn"

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--config-path", e.configDir}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCLI_SignInThenUseCachedTokens(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "auth", "login", "--surface", "http")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as adele@contoso.example")
	assert.Equal(t, 1, env.idp.AuthorizeCount())

	out, _, err = env.run(t, "profile", "--no-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "Adele Vance")

	out, _, err = env.run(t, "mail", "--no-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "Quarterly report")
	assert.Contains(t, out, "Megan Bowen")
	assert.Equal(t, 1, env.idp.RefreshGrants(), "mail scope is obtained by refresh")

	out, stderr, err := env.run(t, "auth", "token", "--no-interactive", "--purpose", "mail", "--account")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
	assert.NotContains(t, out, "\n\n")
	assert.Contains(t, stderr, "adele@contoso.example")

	out, _, err = env.run(t, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "adele@contoso.example")
	assert.Contains(t, out, "profile:")
	assert.Contains(t, out, "mail:")

	assert.Equal(t, 1, env.idp.AuthorizeCount(), "no further interactive sign-in")
}

func TestCLI_Logout(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "auth", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in.")

	_, _, err = env.run(t, "auth", "login", "--surface", "http")
	require.NoError(t, err)

	out, _, err = env.run(t, "auth", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out adele@contoso.example")

	_, _, err = env.run(t, "auth", "token", "--no-interactive")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))

	out, _, err = env.run(t, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in")
}

func TestCLI_LogoutAllRemovesCache(t *testing.T) {
	env := newCLIEnv(t)
	cachePath := filepath.Join(env.configDir, "msal-cache.json")

	_, _, err := env.run(t, "auth", "login", "--surface", "http")
	require.NoError(t, err)
	_, err = os.Stat(cachePath)
	require.NoError(t, err)

	out, _, err := env.run(t, "auth", "logout", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed token cache at "+cachePath)
	_, err = os.Stat(cachePath)
	assert.True(t, os.IsNotExist(err))

	_, _, err = env.run(t, "auth", "token", "--no-interactive")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
}

func TestCLI_InteractiveTokenOnFirstUse(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "profile", "--surface", "http", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "Adele Vance")
	assert.Equal(t, 1, env.idp.AuthorizeCount())
	assert.Equal(t, 1, env.idp.CodeGrants())
}

func TestCLI_SignInFailure(t *testing.T) {
	env := newCLIEnv(t)
	env.idp.SimulateErrors(fakeidp.ErrorSimulation{AuthorizeError: "access_denied"})

	_, _, err := env.run(t, "auth", "login", "--surface", "http")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthFailed, getExitCode(err))
	assert.Contains(t, err.Error(), "access_denied")
}

func TestCLI_LoginRefusesNoInteractive(t *testing.T) {
	env := newCLIEnv(t)

	_, _, err := env.run(t, "auth", "login", "--no-interactive")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
}

func TestCLI_UnknownSurface(t *testing.T) {
	env := newCLIEnv(t)

	_, _, err := env.run(t, "auth", "status", "--surface", "webview")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown surface")
}

func TestNewCacheStore(t *testing.T) {
	store, err := newCacheStore(config.CacheConfig{Backend: config.CacheBackendFile, Path: "/tmp/x.json"})
	require.NoError(t, err)
	assert.IsType(t, &cachestore.FileStore{}, store)

	store, err = newCacheStore(config.CacheConfig{Backend: config.CacheBackendKeyring, KeyringService: "s", KeyringUser: "u"})
	require.NoError(t, err)
	assert.IsType(t, &cachestore.KeyringStore{}, store)

	_, err = newCacheStore(config.CacheConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestNewListenerFactory(t *testing.T) {
	scheme := newListenerFactory(config.RedirectConfig{Mode: config.RedirectModeScheme, Scheme: "msal", Host: "redirect"})
	l, err := scheme(surface.NewHTTPSurface(nil))
	require.NoError(t, err)
	assert.Equal(t, "msal://redirect", l.RedirectURI())

	_, err = scheme(nil)
	assert.Error(t, err, "scheme mode needs a surface to listen on")

	loopback := newListenerFactory(config.RedirectConfig{Mode: config.RedirectModeLoopback, Path: "/cb"})
	l, err = loopback(nil)
	require.NoError(t, err)
	assert.IsType(t, &redirect.LoopbackListener{}, l)
}

func TestFormatExpiryWithDirection(t *testing.T) {
	assert.NotContains(t, formatExpiryWithDirection(time.Now().Add(time.Hour)), "expired")
	assert.Contains(t, formatExpiryWithDirection(time.Now().Add(-time.Hour)), "expired")
}

func TestParseSelection(t *testing.T) {
	idx, err := parseSelection(" 2 ", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	for _, bad := range []string{"", "0", "4", "two"} {
		_, err := parseSelection(bad, 3)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestPrintMessages_Empty(t *testing.T) {
	var buf bytes.Buffer
	printMessages(&buf, &graph.MailInfo{}, false)
	assert.Equal(t, "No messages.\n", buf.String())
}

func TestPrintMessages_Preview(t *testing.T) {
	var buf bytes.Buffer
	printMessages(&buf, &graph.MailInfo{Value: []graph.Message{{
		Subject:          "Quarterly report",
		BodyPreview:      "Hi Adele,\r\nplease review\tthe numbers.",
		ReceivedDateTime: time.Now().Add(-time.Hour),
		IsRead:           true,
	}}}, true)

	// table styles upper-case headers
	assert.Contains(t, buf.String(), "PREVIEW")
	assert.Contains(t, buf.String(), "Hi Adele, please review the numbers.")
}

func TestSortedPurposes(t *testing.T) {
	got := sortedPurposes(map[string][]string{"mail": {"Mail.Read"}, "calendar": {"Calendars.Read"}, "profile": {"User.Read"}})
	assert.Equal(t, []string{"calendar", "mail", "profile"}, got)
}

func TestCacheLocation(t *testing.T) {
	assert.Equal(t, "/c/msal-cache.json", cacheLocation(config.CacheConfig{Backend: config.CacheBackendFile, Path: "/c/msal-cache.json"}))
	assert.Equal(t, "keyring deskauth/token-cache", cacheLocation(config.CacheConfig{
		Backend: config.CacheBackendKeyring, KeyringService: "deskauth", KeyringUser: "token-cache",
	}))
}
