package keys

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testHierarchy(t *testing.T) (*MasterKey, *ServerKey, *DeviceKey) {
	t.Helper()
	mk, err := GenerateMasterKey(nil, [MIDSize]byte{0xAA, 0xBB, 0xCC, 0xDD}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sk := mk.DeriveServerKey([SIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8})
	dk := sk.DeriveDeviceKey([DIDSize]byte{9, 10, 11, 12})
	return mk, sk, dk
}

func TestParseKeyID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "000102030405060708090a0b0c0d0e0f", false},
		{"valid with prefix", "0x000102030405060708090a0b0c0d0e0f", false},
		{"valid with whitespace", "  000102030405060708090a0b0c0d0e0f\n", false},
		{"too short", "0001020304", true},
		{"too long", "000102030405060708090a0b0c0d0e0f00", true},
		{"not hex", "zz0102030405060708090a0b0c0d0e0f", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseKeyID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if id.String() != strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(tt.input, "0x"), "0X")) {
				t.Errorf("round trip = %s", id)
			}
		})
	}
}

func TestKeyIDSegments(t *testing.T) {
	id, err := ParseKeyID("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(id.MID(), []byte{0, 1, 2, 3}) {
		t.Errorf("MID = %x", id.MID())
	}
	if !bytes.Equal(id.SID(), []byte{4, 5, 6, 7, 8, 9, 10, 11}) {
		t.Errorf("SID = %x", id.SID())
	}
	if !bytes.Equal(id.DID(), []byte{12, 13, 14, 15}) {
		t.Errorf("DID = %x", id.DID())
	}
	if !bytes.Equal(id.ServerID(), []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}) {
		t.Errorf("ServerID = %x", id.ServerID())
	}
}

func TestKeyIDSharesServer(t *testing.T) {
	a, _ := ParseKeyID("000102030405060708090a0b0c0d0e0f")
	b, _ := ParseKeyID("000102030405060708090a0bffffffff")
	c, _ := ParseKeyID("ff0102030405060708090a0b0c0d0e0f")

	if !a.SharesServer(b) {
		t.Error("same prefix reported as different servers")
	}
	if a.SharesServer(c) {
		t.Error("different MID reported as same server")
	}
}

func TestHierarchyLayout(t *testing.T) {
	mk, sk, dk := testHierarchy(t)

	if !bytes.Equal(mk.KID.MID(), []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("master MID = %x", mk.KID.MID())
	}
	if !bytes.Equal(sk.KID.SID(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("server SID = %x", sk.KID.SID())
	}
	if !bytes.Equal(dk.KID.DID(), []byte{9, 10, 11, 12}) {
		t.Errorf("device DID = %x", dk.KID.DID())
	}
	if !sk.KID.SharesServer(dk.KID) {
		t.Error("device not rooted under its server")
	}
	if dk.Expiration != mk.Expiration {
		t.Error("expiration not inherited through derivation")
	}
}

func TestHierarchyDeterministic(t *testing.T) {
	mk, sk, dk := testHierarchy(t)

	// re-deriving from the same master yields identical bytes
	sk2 := mk.DeriveServerKey([SIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if sk.SDK != sk2.SDK {
		t.Error("server derivation is not deterministic")
	}
	dk2 := sk2.DeriveDeviceKey([DIDSize]byte{9, 10, 11, 12})
	if dk.DDK != dk2.DDK {
		t.Error("device derivation is not deterministic")
	}

	// the server-side on-demand recomputation matches the record
	ddk := DeriveDeviceKeyForID(sk.SDK[:], dk.KID)
	if !bytes.Equal(ddk, dk.DDK[:]) {
		t.Error("on-demand device derivation does not match the record")
	}

	// a different device segment yields a different key
	other := sk.DeriveDeviceKey([DIDSize]byte{9, 10, 11, 13})
	if other.DDK == dk.DDK {
		t.Error("distinct devices derived the same key")
	}
}

func TestDeriveDirectionKeys(t *testing.T) {
	token := bytes.Repeat([]byte{0x42}, 32)
	dsh := bytes.Repeat([]byte{0x01}, 64)
	ssh := bytes.Repeat([]byte{0x02}, 64)

	a := DeriveDirectionKeys(token, dsh)
	b := DeriveDirectionKeys(token, ssh)

	if len(a) != 44 {
		t.Fatalf("direction key length = %d, want 44", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("directions keyed by different hashes are identical")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mk, sk, dk := testHierarchy(t)

	mkPath := filepath.Join(dir, "master.key")
	skPath := filepath.Join(dir, "server.key")
	dkPath := filepath.Join(dir, "nested", "device.key")

	if err := mk.Store(mkPath); err != nil {
		t.Fatal(err)
	}
	if err := sk.Store(skPath); err != nil {
		t.Fatal(err)
	}
	if err := dk.Store(dkPath); err != nil {
		t.Fatal(err)
	}

	mk2, err := LoadMasterKey(mkPath)
	if err != nil {
		t.Fatal(err)
	}
	if mk2.KID != mk.KID || mk2.MDK != mk.MDK || mk2.Expiration != mk.Expiration {
		t.Error("master record did not round trip")
	}

	sk2, err := LoadServerKey(skPath)
	if err != nil {
		t.Fatal(err)
	}
	if sk2.KID != sk.KID || sk2.SDK != sk.SDK {
		t.Error("server record did not round trip")
	}

	dk2, err := LoadDeviceKey(dkPath)
	if err != nil {
		t.Fatal(err)
	}
	if dk2.KID != dk.KID || dk2.DDK != dk.DDK {
		t.Error("device record did not round trip")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := LoadServerKey(filepath.Join(t.TempDir(), "nope.key")); err == nil {
		t.Error("loading a missing record succeeded")
	}
}

func TestExpired(t *testing.T) {
	_, sk, dk := testHierarchy(t)

	now := uint64(time.Now().UTC().Unix())
	if sk.Expired(now) {
		t.Error("fresh server key reported expired")
	}
	if !sk.Expired(sk.Expiration) {
		t.Error("server key not expired at its expiration second")
	}
	if !dk.Expired(dk.Expiration + 1) {
		t.Error("device key not expired past its expiration")
	}
}

func TestWipe(t *testing.T) {
	_, sk, dk := testHierarchy(t)

	sk.Wipe()
	dk.Wipe()
	if sk.SDK != ([ServerKeySize]byte{}) {
		t.Error("server key not wiped")
	}
	if dk.DDK != ([DeviceKeySize]byte{}) {
		t.Error("device key not wiped")
	}
}
