package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeysFile is the on-disk keys document: role name to key list, plus the
// localhost policy. A nil policy reads as "allow".
type KeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Roles map[string]RoleKeys `yaml:"roles"`
}

type RoleKeys struct {
	Keys []string `yaml:"keys"`
}

// ReadKeysFile parses path. A missing file yields an empty KeysFile.
func ReadKeysFile(path string) (*KeysFile, error) {
	kf := &KeysFile{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return kf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	if err := yaml.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	return kf, nil
}

// AddKey generates a key for role and records it. The localhost policy is
// pinned to true the first time a key is added, so the written file spells
// out what the relay will do.
func (kf *KeysFile) AddKey(role Role) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if kf.Roles == nil {
		kf.Roles = make(map[string]RoleKeys)
	}
	rk := kf.Roles[string(role)]
	rk.Keys = append(rk.Keys, key)
	kf.Roles[string(role)] = rk
	if kf.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		allow := true
		kf.DefaultPolicy.AllowLocalhostWithoutAuth = &allow
	}
	return key, nil
}

// Save writes the file owner-readable only.
func (kf *KeysFile) Save(path string) error {
	data, err := yaml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	return nil
}

// BootstrapResult describes what BootstrapDevKey did.
type BootstrapResult struct {
	KeysFile string
	Role     Role
	Key      string
	Created  bool
}

// BootstrapDevKey creates the keys file with one key for role when it does
// not exist yet, so a fresh relay is usable without manual setup. An
// existing file is left alone.
func BootstrapDevKey(keysPath string, role Role) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if role == "" {
		role = RoleProducer
	}
	switch _, err := os.Stat(keysPath); {
	case err == nil:
		return &BootstrapResult{KeysFile: keysPath}, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	kf := &KeysFile{}
	key, err := kf.AddKey(role)
	if err != nil {
		return nil, err
	}
	if err := kf.Save(keysPath); err != nil {
		return nil, err
	}
	return &BootstrapResult{KeysFile: keysPath, Role: role, Key: key, Created: true}, nil
}

// GenerateKey returns 32 random bytes, base64url encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
