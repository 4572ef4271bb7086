package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Kind != StoreMemory || cfg.Store.Retention != 5000 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Realtime.PresenceDebounce != 350*time.Millisecond {
		t.Fatalf("presence debounce=%v", cfg.Realtime.PresenceDebounce)
	}
	if cfg.Realtime.UnreadPolicy != "active_peer" || cfg.IsDev() {
		t.Fatalf("unexpected defaults: policy=%q env=%q", cfg.Realtime.UnreadPolicy, cfg.Env)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeFile(t, "imnext.toml", `
env = "dev"
log_format = "pretty"

[http]
addr = "127.0.0.1:4000"
shutdown_timeout = "3s"

[store]
kind = "file"
file = "/tmp/imnext-messages.json"
retention = 100

[realtime]
presence_debounce = "1s"
unread_policy = "always"
ws_allowed_origins = ["https://chat.example.com"]
`)

	t.Setenv("IMNEXT_HTTP_ADDR", "127.0.0.1:5000")
	t.Setenv("IMNEXT_STORE_RETENTION", "250")
	t.Setenv("IMNEXT_WS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if !cfg.IsDev() || cfg.LogFormat != "pretty" {
		t.Fatalf("file values not applied: env=%q format=%q", cfg.Env, cfg.LogFormat)
	}
	if cfg.HTTP.Addr != "127.0.0.1:5000" {
		t.Fatalf("env must override file: addr=%q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ShutdownTimeout != 3*time.Second || cfg.Realtime.PresenceDebounce != time.Second {
		t.Fatalf("durations not decoded: %v %v", cfg.HTTP.ShutdownTimeout, cfg.Realtime.PresenceDebounce)
	}
	if cfg.Store.Kind != StoreFile || cfg.Store.Retention != 250 {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
	if got := strings.Join(cfg.Realtime.WSAllowedOrigins, ","); got != "https://a.example.com,https://b.example.com" {
		t.Fatalf("origins=%q", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Realtime.HeartbeatInterval != 25*time.Second {
		t.Fatalf("heartbeat default lost: %v", cfg.Realtime.HeartbeatInterval)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		toml string
		env  map[string]string
		want string
	}{
		{name: "unknown key", toml: "[store]\nkindd = \"memory\"\n", want: "unknown keys"},
		{name: "bad store", env: map[string]string{"IMNEXT_STORE": "mongo"}, want: "unknown store kind"},
		{name: "postgres without url", env: map[string]string{"IMNEXT_STORE": "postgres"}, want: "IMNEXT_DATABASE_URL"},
		{name: "bad policy", env: map[string]string{"IMNEXT_UNREAD_POLICY": "never"}, want: "unread_policy"},
		{name: "bad env", env: map[string]string{"IMNEXT_ENV": "staging"}, want: "env must be"},
		{name: "bad log format", env: map[string]string{"IMNEXT_LOG_FORMAT": "xml"}, want: "log_format"},
		{name: "bad recipient check", env: map[string]string{"IMNEXT_RECIPIENT_CHECK": "loose"}, want: "recipient_check"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.toml != "" {
				path = writeFile(t, "c.toml", tc.toml)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestConfig_StrictRecipients(t *testing.T) {
	cases := []struct {
		mode  string
		store string
		want  bool
	}{
		{mode: RecipientCheckAuto, store: StoreMemory, want: false},
		{mode: RecipientCheckAuto, store: StoreFile, want: false},
		{mode: RecipientCheckAuto, store: StoreRedis, want: false},
		{mode: RecipientCheckAuto, store: StorePostgres, want: true},
		{mode: RecipientCheckStrict, store: StoreMemory, want: true},
		{mode: RecipientCheckSyntax, store: StorePostgres, want: false},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Auth.RecipientCheck = tc.mode
		cfg.Store.Kind = tc.store
		if got := cfg.StrictRecipients(); got != tc.want {
			t.Fatalf("mode=%s store=%s: strict=%v want %v", tc.mode, tc.store, got, tc.want)
		}
	}

	if DefaultConfig().Auth.RecipientCheck != RecipientCheckAuto {
		t.Fatalf("expected auto recipient check by default")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, "test.env", "IMNEXT_TEST_DOTENV_A=from-file\nIMNEXT_TEST_DOTENV_B=from-file\n")

	t.Setenv("IMNEXT_TEST_DOTENV_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("IMNEXT_TEST_DOTENV_A") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("IMNEXT_TEST_DOTENV_A"); got != "from-file" {
		t.Fatalf("A=%q", got)
	}
	if got := os.Getenv("IMNEXT_TEST_DOTENV_B"); got != "from-env" {
		t.Fatalf("existing env must win, B=%q", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("IMNEXT_TEST_INT", "-3")
	t.Setenv("IMNEXT_TEST_DUR", "-1s")
	t.Setenv("IMNEXT_TEST_BOOL", "maybe")
	t.Setenv("IMNEXT_TEST_LIST", " a, ,b ,")

	if got := EnvInt("IMNEXT_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvDuration("IMNEXT_TEST_DUR", time.Second); got != -time.Second {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvBool("IMNEXT_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool must fall back on parse errors")
	}
	if got := EnvList("IMNEXT_TEST_LIST", nil); strings.Join(got, "|") != "a|b" {
		t.Fatalf("EnvList=%v", got)
	}
}
