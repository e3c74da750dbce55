package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// CurrentFileVersion is the accounts file schema written by this build.
const CurrentFileVersion = 3

// AccountsFile is the on-disk shape of the credentials file. Version 3 keys
// rate limits per quota bucket and tracks one active index per model family.
type AccountsFile struct {
	Version  int        `json:"version"`
	Accounts []*Account `json:"accounts"`

	// ActiveIndex is the legacy single cursor, kept for older readers.
	ActiveIndex int `json:"activeIndex"`

	// ActiveIndexByFamily holds the per-family sticky cursors.
	ActiveIndexByFamily map[constant.ModelFamily]int `json:"activeIndexByFamily,omitempty"`
}

// Store persists the accounts file. All reads and writes go through the whole
// file; there is no partial update.
type Store struct {
	path string
}

// NewStore returns a store rooted at the given config directory.
func NewStore(dir, fileName string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

// Path returns the absolute accounts file path.
func (s *Store) Path() string { return s.path }

// Load reads and migrates the accounts file. A missing file yields an empty
// pool. A file that fails to parse also yields an empty pool; the broken file
// is left in place so a user can recover tokens by hand.
func (s *Store) Load() (*AccountsFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyFile(), nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file AccountsFile
	if errUnmarshal := json.Unmarshal(data, &file); errUnmarshal != nil {
		log.Warnf("accounts file is not valid JSON, starting with empty pool: %v", errUnmarshal)
		return emptyFile(), nil
	}

	migrate(&file, data)
	normalize(&file)
	return &file, nil
}

// Save writes the accounts file atomically via a temp file rename, with
// two-space indentation so the file stays hand-editable.
func (s *Store) Save(file *AccountsFile) error {
	file.Version = CurrentFileVersion
	for i, account := range file.Accounts {
		account.Index = i
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts file: %w", err)
	}

	if errMkdir := os.MkdirAll(filepath.Dir(s.path), 0o755); errMkdir != nil {
		return fmt.Errorf("create config directory: %w", errMkdir)
	}

	tmp := s.path + ".tmp"
	if errWrite := os.WriteFile(tmp, data, 0o600); errWrite != nil {
		return fmt.Errorf("write accounts file: %w", errWrite)
	}
	if errRename := os.Rename(tmp, s.path); errRename != nil {
		return fmt.Errorf("replace accounts file: %w", errRename)
	}
	return nil
}

func emptyFile() *AccountsFile {
	return &AccountsFile{
		Version:             CurrentFileVersion,
		Accounts:            []*Account{},
		ActiveIndexByFamily: map[constant.ModelFamily]int{},
	}
}

// migrate upgrades version 1 and 2 files in place. Version 1 carried one
// scalar rateLimitResetTime per account; it is fanned out to both quota
// buckets the account could plausibly have been limited on. Version 2 used a
// single "gemini" bucket that maps onto today's antigravity bucket.
func migrate(file *AccountsFile, raw []byte) {
	if file.Version >= CurrentFileVersion {
		return
	}

	// Re-read the raw account objects so legacy fields survive the typed
	// unmarshal above.
	var legacy struct {
		Accounts []map[string]json.RawMessage `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return
	}

	for i, account := range file.Accounts {
		if i >= len(legacy.Accounts) {
			break
		}
		rawAccount := legacy.Accounts[i]

		if account.RateLimitResetTimes == nil {
			account.RateLimitResetTimes = map[constant.QuotaKey]int64{}
		}

		if file.Version <= 1 {
			var scalar int64
			if v, ok := rawAccount["rateLimitResetTime"]; ok {
				if json.Unmarshal(v, &scalar) == nil && scalar > 0 {
					account.RateLimitResetTimes[constant.QuotaClaude] = scalar
					account.RateLimitResetTimes[constant.QuotaGeminiAntigravity] = scalar
				}
			}
		}

		if file.Version == 2 {
			var perKey map[string]int64
			if v, ok := rawAccount["rateLimitResetTimes"]; ok {
				if json.Unmarshal(v, &perKey) == nil {
					now := time.Now().UnixMilli()
					for key, reset := range perKey {
						if reset <= now {
							continue
						}
						if key == "gemini" {
							key = string(constant.QuotaGeminiAntigravity)
						}
						account.RateLimitResetTimes[constant.QuotaKey(key)] = reset
					}
				}
			}
		}
	}

	log.Infof("migrated accounts file from version %d to %d", file.Version, CurrentFileVersion)
	file.Version = CurrentFileVersion
}

// normalize repairs indices and cursors after load.
func normalize(file *AccountsFile) {
	kept := file.Accounts[:0]
	for _, account := range file.Accounts {
		if account != nil && account.RefreshToken != "" {
			kept = append(kept, account)
		}
	}
	file.Accounts = kept

	for i, account := range file.Accounts {
		account.Index = i
	}

	if file.ActiveIndexByFamily == nil {
		file.ActiveIndexByFamily = map[constant.ModelFamily]int{}
	}
	for _, family := range []constant.ModelFamily{constant.FamilyClaude, constant.FamilyGemini} {
		if _, ok := file.ActiveIndexByFamily[family]; !ok {
			file.ActiveIndexByFamily[family] = file.ActiveIndex
		}
		if idx := file.ActiveIndexByFamily[family]; idx < 0 || idx >= len(file.Accounts) {
			file.ActiveIndexByFamily[family] = 0
		}
	}
	if file.ActiveIndex < 0 || file.ActiveIndex >= len(file.Accounts) {
		file.ActiveIndex = 0
	}
}
