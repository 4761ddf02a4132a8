package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keybridge/skdp/internal/crypto"
)

// Key records are persisted as a single hex line:
// expiration(8, little-endian) || kid(16) || key(32).
const recordSize = 8 + KIDSize + MasterKeySize

// marshalRecord serializes one record's fields.
func marshalRecord(expiration uint64, kid KeyID, key []byte) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[:8], expiration)
	copy(buf[8:8+KIDSize], kid[:])
	copy(buf[8+KIDSize:], key)
	return buf
}

// unmarshalRecord parses one record, returning its fields.
func unmarshalRecord(buf []byte) (uint64, KeyID, []byte, error) {
	if len(buf) != recordSize {
		return 0, ZeroID, nil, fmt.Errorf("invalid key record length: %d", len(buf))
	}
	expiration := binary.LittleEndian.Uint64(buf[:8])
	var kid KeyID
	copy(kid[:], buf[8:8+KIDSize])
	key := make([]byte, MasterKeySize)
	copy(key, buf[8+KIDSize:])
	return expiration, kid, key, nil
}

// writeRecord persists a record atomically with owner-only permissions.
func writeRecord(path string, record []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(record)+"\n"), 0600); err != nil {
		return fmt.Errorf("write key record: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist key record: %w", err)
	}
	return nil
}

// readRecord loads and decodes one hex record file.
func readRecord(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key record: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}
	return raw, nil
}

// Store persists the master key record to path.
func (mk *MasterKey) Store(path string) error {
	record := marshalRecord(mk.Expiration, mk.KID, mk.MDK[:])
	defer crypto.Wipe(record)
	return writeRecord(path, record)
}

// Store persists the server key record to path.
func (sk *ServerKey) Store(path string) error {
	record := marshalRecord(sk.Expiration, sk.KID, sk.SDK[:])
	defer crypto.Wipe(record)
	return writeRecord(path, record)
}

// Store persists the device key record to path.
func (dk *DeviceKey) Store(path string) error {
	record := marshalRecord(dk.Expiration, dk.KID, dk.DDK[:])
	defer crypto.Wipe(record)
	return writeRecord(path, record)
}

// LoadMasterKey reads a master key record from path.
func LoadMasterKey(path string) (*MasterKey, error) {
	raw, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	expiration, kid, key, err := unmarshalRecord(raw)
	if err != nil {
		return nil, err
	}
	mk := &MasterKey{Expiration: expiration, KID: kid}
	copy(mk.MDK[:], key)
	crypto.Wipe(key)
	return mk, nil
}

// LoadServerKey reads a server key record from path.
func LoadServerKey(path string) (*ServerKey, error) {
	raw, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	expiration, kid, key, err := unmarshalRecord(raw)
	if err != nil {
		return nil, err
	}
	sk := &ServerKey{Expiration: expiration, KID: kid}
	copy(sk.SDK[:], key)
	crypto.Wipe(key)
	return sk, nil
}

// LoadDeviceKey reads a device key record from path.
func LoadDeviceKey(path string) (*DeviceKey, error) {
	raw, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	expiration, kid, key, err := unmarshalRecord(raw)
	if err != nil {
		return nil, err
	}
	dk := &DeviceKey{Expiration: expiration, KID: kid}
	copy(dk.DDK[:], key)
	crypto.Wipe(key)
	return dk, nil
}
