package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapDevKeyCreatesFile(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, RoleDevice)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected Created=true")
	}
	if result.Key == "" {
		t.Fatalf("expected non-empty key")
	}
	if result.Role != RoleDevice {
		t.Fatalf("expected role=device, got %s", result.Role)
	}

	if _, err := os.Stat(keysPath); err != nil {
		t.Fatalf("keys file not created: %v", err)
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	role, ok := ring.RoleForKey(result.Key)
	if !ok || role != RoleDevice {
		t.Fatalf("expected key to map to device, got %s ok=%v", role, ok)
	}
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	if err := os.WriteFile(keysPath, []byte("existing"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	result, err := BootstrapDevKey(keysPath, RoleDevice)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected Created=false for existing file")
	}

	data, _ := os.ReadFile(keysPath)
	if string(data) != "existing" {
		t.Fatalf("file was modified")
	}
}

func TestBootstrapDevKeyDefaultRole(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Role != RoleProducer {
		t.Fatalf("expected default role=producer, got %s", result.Role)
	}
}

func TestLoadKeyringRejectsUnknownRole(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	data := "roles:\n  admin:\n    keys: [abc]\n"
	if err := os.WriteFile(keysPath, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(keysPath); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestLoadKeyringRejectsSharedKey(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	data := "roles:\n  device:\n    keys: [abc]\n  producer:\n    keys: [abc]\n"
	if err := os.WriteFile(keysPath, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(keysPath); err == nil {
		t.Fatalf("expected key reuse error")
	}
}

func TestReadKeysFileMissingIsEmpty(t *testing.T) {
	kf, err := ReadKeysFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(kf.Roles) != 0 || kf.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		t.Fatalf("expected empty keys file, got %+v", kf)
	}
}

func TestKeysFileAddKeySaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	kf := &KeysFile{}
	dev, err := kf.AddKey(RoleDevice)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	prod, err := kf.AddKey(RoleProducer)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if dev == prod {
		t.Fatalf("keys must differ")
	}
	if err := kf.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if role, _ := ring.RoleForKey(dev); role != RoleDevice {
		t.Fatalf("device key maps to %q", role)
	}
	if role, _ := ring.RoleForKey(prod); role != RoleProducer {
		t.Fatalf("producer key maps to %q", role)
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass")
	}
}
