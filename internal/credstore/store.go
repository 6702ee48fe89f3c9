package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/ports"
)

// ErrProfileNotFound is returned for an unknown profile id.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is a saved SSH connection. Secrets are stored as fernet tokens.
type Profile struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID       string     `gorm:"not null;uniqueIndex:idx_owner_name" json:"owner_id"`
	Name          string     `gorm:"not null;uniqueIndex:idx_owner_name" json:"name"`
	Host          string     `gorm:"not null" json:"host"`
	Port          int        `gorm:"not null;default:22" json:"port"`
	Username      string     `gorm:"not null" json:"username"`
	PasswordEnc   string     `json:"-"`
	PrivateKeyEnc string     `json:"-"`
	PassphraseEnc string     `json:"-"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// Store is the profile database.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
	clock  ports.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used by Touch.
func WithClock(clock ports.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string, cipher *Cipher, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !strings.Contains(path, ":memory:") {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db, cipher: cipher, clock: realclock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewProfile holds the plaintext fields of a profile to save.
type NewProfile struct {
	Owner      string
	Name       string
	Host       string
	Port       int
	User       string
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

// Create encrypts the secrets in np and inserts a profile.
func (s *Store) Create(np NewProfile) (*Profile, error) {
	if np.Owner == "" || np.Name == "" || np.Host == "" || np.User == "" {
		return nil, fmt.Errorf("owner, name, host and user are required")
	}
	p := &Profile{OwnerID: np.Owner, Name: np.Name}
	if err := s.fill(p, np); err != nil {
		return nil, err
	}
	if err := s.db.Create(p).Error; err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

func (s *Store) fill(p *Profile, np NewProfile) error {
	p.Host = np.Host
	p.Port = np.Port
	if p.Port == 0 {
		p.Port = 22
	}
	p.Username = np.User

	var err error
	if p.PasswordEnc, err = s.cipher.Encrypt(np.Password); err != nil {
		return err
	}
	if p.PrivateKeyEnc, err = s.cipher.Encrypt(np.PrivateKey); err != nil {
		return err
	}
	if p.PassphraseEnc, err = s.cipher.Encrypt(np.Passphrase); err != nil {
		return err
	}
	return nil
}

// Get returns the profile with id.
func (s *Store) Get(id uint) (*Profile, error) {
	var p Profile
	err := s.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %d: %w", id, err)
	}
	return &p, nil
}

// ListFor returns owner's profiles sorted by name.
func (s *Store) ListFor(owner string) ([]Profile, error) {
	var out []Profile
	if err := s.db.Where("owner_id = ?", owner).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

// Resolve loads a profile and decrypts its secrets. A decryption failure
// wraps ErrDecrypt. The caller owns the returned secret slices and should
// wipe them after use.
func (s *Store) Resolve(id uint) (*Profile, ports.ShellCredential, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, ports.ShellCredential{}, err
	}
	var cred ports.ShellCredential
	if cred.Password, err = s.cipher.Decrypt(p.PasswordEnc); err != nil {
		return p, ports.ShellCredential{}, fmt.Errorf("profile %d password: %w", id, err)
	}
	if cred.PrivateKey, err = s.cipher.Decrypt(p.PrivateKeyEnc); err != nil {
		return p, ports.ShellCredential{}, fmt.Errorf("profile %d private key: %w", id, err)
	}
	if cred.Passphrase, err = s.cipher.Decrypt(p.PassphraseEnc); err != nil {
		return p, ports.ShellCredential{}, fmt.Errorf("profile %d passphrase: %w", id, err)
	}
	return p, cred, nil
}

// Touch records that a session was opened from the profile.
func (s *Store) Touch(id uint) error {
	now := s.clock.Now().UTC()
	res := s.db.Model(&Profile{}).Where("id = ?", id).Update("last_used_at", now)
	if res.Error != nil {
		return fmt.Errorf("touch profile %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// Seed creates or updates the profiles listed in configuration, matched by
// owner and name. Secrets come from environment variables and key files via
// fsys. It returns how many profiles were written.
func (s *Store) Seed(profiles []config.ProfileConfig, fsys ports.FileSystem) (int, error) {
	written := 0
	for _, pc := range profiles {
		np := NewProfile{
			Owner: pc.Owner,
			Name:  pc.Name,
			Host:  pc.Host,
			Port:  pc.Port,
			User:  pc.User,
		}
		if pc.PasswordEnv != "" {
			np.Password = []byte(fsys.Getenv(pc.PasswordEnv))
		}
		if pc.PassphraseEnv != "" {
			np.Passphrase = []byte(fsys.Getenv(pc.PassphraseEnv))
		}
		if pc.KeyPath != "" {
			key, err := fsys.ReadFile(expandHome(pc.KeyPath, fsys))
			if err != nil {
				return written, fmt.Errorf("profile %s/%s: read key: %w", pc.Owner, pc.Name, err)
			}
			np.PrivateKey = key
		}

		var existing Profile
		err := s.db.Where("owner_id = ? AND name = ?", pc.Owner, pc.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if _, err := s.Create(np); err != nil {
				return written, err
			}
		case err != nil:
			return written, fmt.Errorf("lookup profile %s/%s: %w", pc.Owner, pc.Name, err)
		default:
			if err := s.fill(&existing, np); err != nil {
				return written, err
			}
			if err := s.db.Save(&existing).Error; err != nil {
				return written, fmt.Errorf("update profile %s/%s: %w", pc.Owner, pc.Name, err)
			}
		}
		written++
	}
	return written, nil
}

func expandHome(path string, fsys ports.FileSystem) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := fsys.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
