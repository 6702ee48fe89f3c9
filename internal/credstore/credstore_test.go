package credstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/zalando/go-keyring"

	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/security"
	"github.com/acolita/shellkeeper/internal/testing/fakes/fakeclock"
	"github.com/acolita/shellkeeper/internal/testing/fakes/fakefs"
)

func newKey(t *testing.T) *fernet.Key {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return &k
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	c, err := NewCipher(newKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "db", "shellkeeper.db"), c, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCipher_RoundTripAndEmpty(t *testing.T) {
	c, _ := NewCipher(newKey(t))

	tok, err := c.Encrypt([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(tok, "hunter2") {
		t.Fatal("token contains plaintext")
	}
	got, err := c.Decrypt(tok)
	if err != nil || string(got) != "hunter2" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}

	if tok, _ := c.Encrypt(nil); tok != "" {
		t.Errorf("Encrypt(nil) = %q, want empty", tok)
	}
	if got, err := c.Decrypt(""); got != nil || err != nil {
		t.Errorf("Decrypt(\"\") = %q, %v", got, err)
	}
}

func TestCipher_WrongKey(t *testing.T) {
	a, _ := NewCipher(newKey(t))
	b, _ := NewCipher(newKey(t))
	tok, _ := a.Encrypt([]byte("secret"))
	if _, err := b.Decrypt(tok); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt with wrong key: err = %v, want ErrDecrypt", err)
	}
}

func TestCipher_Rotation(t *testing.T) {
	oldKey, newK := newKey(t), newKey(t)
	old, _ := NewCipher(oldKey)
	tok, _ := old.Encrypt([]byte("secret"))

	rotated, _ := NewCipher(newK, oldKey)
	if got, err := rotated.Decrypt(tok); err != nil || string(got) != "secret" {
		t.Fatalf("Decrypt after rotation = %q, %v", got, err)
	}
}

func TestNewCipher_RequiresKey(t *testing.T) {
	if _, err := NewCipher(); err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestLoadKey_ConfigAndEnv(t *testing.T) {
	k := newKey(t)
	fsys := fakefs.New()

	got, src, err := LoadKey(config.CredentialsConfig{Key: k.Encode()}, fsys, nil)
	if err != nil || src != SourceConfig || got.Encode() != k.Encode() {
		t.Fatalf("config key: src=%q err=%v", src, err)
	}

	fsys.SetEnv("SK_KEY", k.Encode())
	got, src, err = LoadKey(config.CredentialsConfig{KeyEnv: "SK_KEY", KeyFile: "/etc/sk/key"}, fsys, nil)
	if err != nil || src != SourceEnv || got.Encode() != k.Encode() {
		t.Fatalf("env key: src=%q err=%v", src, err)
	}

	if _, _, err := LoadKey(config.CredentialsConfig{Key: "not-a-key"}, fsys, nil); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestLoadKey_GeneratesKeyFile(t *testing.T) {
	fsys := fakefs.New()
	cfg := config.CredentialsConfig{KeyFile: "/var/lib/sk/master.key"}

	first, src, err := LoadKey(cfg, fsys, nil)
	if err != nil || src != SourceFile {
		t.Fatalf("LoadKey: src=%q err=%v", src, err)
	}
	if mode := fsys.Mode(cfg.KeyFile); mode.Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", mode.Perm())
	}

	second, _, err := LoadKey(cfg, fsys, nil)
	if err != nil {
		t.Fatalf("second LoadKey: %v", err)
	}
	if first.Encode() != second.Encode() {
		t.Error("key file was regenerated")
	}
}

func TestLoadKey_Keyring(t *testing.T) {
	keyring.MockInit()
	ks := security.NewKeyringStore("shellkeeper-test")
	if !ks.Enabled() {
		t.Fatal("mock keyring should be enabled")
	}
	fsys := fakefs.New()
	cfg := config.CredentialsConfig{UseKeyring: true, KeyFile: "/k"}

	first, src, err := LoadKey(cfg, fsys, ks)
	if err != nil || src != SourceKeyring {
		t.Fatalf("LoadKey: src=%q err=%v", src, err)
	}
	if _, err := fsys.ReadFile("/k"); err == nil {
		t.Error("key file written although keyring succeeded")
	}
	second, _, _ := LoadKey(cfg, fsys, ks)
	if first.Encode() != second.Encode() {
		t.Error("keyring key changed between loads")
	}
}

func TestLoadKey_NoSource(t *testing.T) {
	if _, _, err := LoadKey(config.CredentialsConfig{}, fakefs.New(), nil); err == nil {
		t.Fatal("expected error with no key source")
	}
}

func TestStore_CreateGetResolve(t *testing.T) {
	s := newStore(t)

	p, err := s.Create(NewProfile{
		Owner: "alice", Name: "prod", Host: "10.0.0.5", User: "deploy",
		Password: []byte("pw"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == 0 || p.Port != 22 {
		t.Errorf("profile = %+v, want id set and port 22", p)
	}
	if p.PasswordEnc == "" || p.PasswordEnc == "pw" {
		t.Errorf("password stored as %q", p.PasswordEnc)
	}
	if p.PrivateKeyEnc != "" {
		t.Errorf("empty key stored as %q", p.PrivateKeyEnc)
	}

	got, err := s.Get(p.ID)
	if err != nil || got.Host != "10.0.0.5" || got.OwnerID != "alice" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	_, cred, err := s.Resolve(p.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !bytes.Equal(cred.Password, []byte("pw")) || cred.PrivateKey != nil {
		t.Errorf("cred = %+v", cred)
	}
}

func TestStore_Validation(t *testing.T) {
	s := newStore(t)
	if _, err := s.Create(NewProfile{Owner: "a", Name: "n", Host: "h"}); err == nil {
		t.Error("expected error without user")
	}
}

func TestStore_DuplicateName(t *testing.T) {
	s := newStore(t)
	np := NewProfile{Owner: "alice", Name: "prod", Host: "h", User: "u"}
	if _, err := s.Create(np); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(np); err == nil {
		t.Error("expected unique violation for same owner and name")
	}
	np.Owner = "bob"
	if _, err := s.Create(np); err != nil {
		t.Errorf("same name for another owner: %v", err)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get(999); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Get: err = %v", err)
	}
	if _, _, err := s.Resolve(999); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Resolve: err = %v", err)
	}
	if err := s.Touch(999); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Touch: err = %v", err)
	}
}

func TestStore_ListForScopesAndSorts(t *testing.T) {
	s := newStore(t)
	for _, np := range []NewProfile{
		{Owner: "alice", Name: "zeta", Host: "h", User: "u"},
		{Owner: "bob", Name: "beta", Host: "h", User: "u"},
		{Owner: "alice", Name: "alpha", Host: "h", User: "u"},
	} {
		if _, err := s.Create(np); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := s.ListFor("alice")
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("ListFor(alice) = %+v", list)
	}
}

func TestStore_ResolveWithRotatedKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sk.db")
	k1 := newKey(t)
	c1, _ := NewCipher(k1)
	s1, err := Open(dbPath, c1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, _ := s1.Create(NewProfile{Owner: "a", Name: "n", Host: "h", User: "u", Password: []byte("pw")})
	_ = s1.Close()

	c2, _ := NewCipher(newKey(t))
	s2, err := Open(dbPath, c2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, _, err := s2.Resolve(p.ID); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Resolve with wrong key: err = %v, want ErrDecrypt", err)
	}
}

func TestStore_Touch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(t, WithClock(fakeclock.New(now)))
	p, _ := s.Create(NewProfile{Owner: "a", Name: "n", Host: "h", User: "u"})

	if err := s.Touch(p.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ := s.Get(p.ID)
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}
}

func TestStore_Seed(t *testing.T) {
	s := newStore(t)
	fsys := fakefs.New()
	fsys.SetEnv("PROD_PW", "first")
	_ = fsys.WriteFile("/home/test/.ssh/id_ed25519", []byte("KEYDATA"), 0o600)

	profiles := []config.ProfileConfig{
		{Owner: "alice", Name: "prod", Host: "h1", User: "root", PasswordEnv: "PROD_PW"},
		{Owner: "alice", Name: "bastion", Host: "h2", Port: 2222, User: "ops", KeyPath: "~/.ssh/id_ed25519"},
	}
	n, err := s.Seed(profiles, fsys)
	if err != nil || n != 2 {
		t.Fatalf("Seed = %d, %v", n, err)
	}

	list, _ := s.ListFor("alice")
	if len(list) != 2 {
		t.Fatalf("ListFor = %d profiles", len(list))
	}
	bastion := list[0]
	_, cred, err := s.Resolve(bastion.ID)
	if err != nil || string(cred.PrivateKey) != "KEYDATA" || bastion.Port != 2222 {
		t.Errorf("bastion = %+v cred=%+v err=%v", bastion, cred, err)
	}

	// Seeding again updates in place.
	fsys.SetEnv("PROD_PW", "second")
	profiles[0].Host = "h1-new"
	if _, err := s.Seed(profiles[:1], fsys); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	list, _ = s.ListFor("alice")
	if len(list) != 2 {
		t.Fatalf("reseed created duplicates: %d", len(list))
	}
	prod := list[1]
	_, cred, _ = s.Resolve(prod.ID)
	if prod.Host != "h1-new" || string(cred.Password) != "second" {
		t.Errorf("prod after reseed = %+v pw=%q", prod, cred.Password)
	}
}

func TestStore_SeedMissingKeyFile(t *testing.T) {
	s := newStore(t)
	_, err := s.Seed([]config.ProfileConfig{
		{Owner: "a", Name: "n", Host: "h", User: "u", KeyPath: "/missing"},
	}, fakefs.New())
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}
