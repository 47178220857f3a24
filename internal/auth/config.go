package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultKeysFile = "cuerelay.keys.yaml"

// Role is what a key may do on the relay.
type Role string

const (
	// RoleDevice reads and watches anything, writes device documents only.
	RoleDevice Role = "device"
	// RoleProducer has full document access.
	RoleProducer Role = "producer"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleDevice, RoleProducer:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToRole                 map[string]Role
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("CUERELAY_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	if _, err := BootstrapDevKey(path, RoleProducer); err != nil {
		return nil, fmt.Errorf("bootstrap dev key: %w", err)
	}
	cfg, err := ReadKeysFile(path)
	if err != nil {
		return nil, err
	}
	ring := &Keyring{
		AllowLocalhostWithoutAuth: true,
		keyToRole:                 make(map[string]Role),
	}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for name, keys := range cfg.Roles {
		role, err := ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("parse keys file: %w", err)
		}
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToRole[key]; ok && existing != role {
				return nil, fmt.Errorf("key reused across roles: %q", key)
			}
			ring.keyToRole[key] = role
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToRole: make(map[string]Role)}
}

func NewKeyring(allowLocalhost bool, keyToRole map[string]Role) *Keyring {
	clone := make(map[string]Role, len(keyToRole))
	for k, v := range keyToRole {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToRole: clone}
}

func (k *Keyring) RoleForKey(key string) (Role, bool) {
	if k == nil {
		return "", false
	}
	role, ok := k.keyToRole[key]
	return role, ok
}
