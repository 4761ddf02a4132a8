package wizard

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/keybridge/skdp/internal/config"
	"github.com/keybridge/skdp/internal/keys"
)

func TestValidateHex(t *testing.T) {
	tests := []struct {
		input   string
		n       int
		wantErr bool
	}{
		{"aabbccdd", 4, false},
		{"0001020304050607", 8, false},
		{"aabbcc", 4, true},
		{"zzbbccdd", 4, true},
		{"", 4, true},
	}

	for _, tt := range tests {
		err := validateHex(tt.n)(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateHex(%d)(%q) = %v, wantErr %v", tt.n, tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateDuration(t *testing.T) {
	if err := validateDuration("30s"); err != nil {
		t.Errorf("30s rejected: %v", err)
	}
	if err := validateDuration("soon"); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestValidateHostPort(t *testing.T) {
	if err := validateHostPort("0.0.0.0:32119"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	if err := validateHostPort("localhost"); err == nil {
		t.Error("address without port accepted")
	}
}

func TestProvision(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skdp")
	w := New()

	res, err := w.provision(config.RoleServer, "127.0.0.1:32119", "tcp", dir,
		"aabbccdd", "0001020304050607", "09080706", time.Hour, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	mk, err := keys.LoadMasterKey(res.MasterKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	sk, err := keys.LoadServerKey(res.ServerKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	dk, err := keys.LoadDeviceKey(res.DeviceKeyPath)
	if err != nil {
		t.Fatal(err)
	}

	// the persisted hierarchy must be internally consistent
	if !sk.KID.SharesServer(dk.KID) {
		t.Error("device key not rooted under the server key")
	}
	rederived := mk.DeriveServerKey([keys.SIDSize]byte{0, 1, 2, 3, 4, 5, 6, 7})
	if rederived.SDK != sk.SDK {
		t.Error("stored server key does not match the master derivation")
	}

	cfg, err := config.Load(res.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != config.RoleServer || cfg.Keys.Server != res.ServerKeyPath {
		t.Errorf("written config = %+v", cfg)
	}
	if cfg.KeepAlive.Interval != 30*time.Second || cfg.KeepAlive.Timeout != time.Minute {
		t.Errorf("keepalive config = %+v", cfg.KeepAlive)
	}
}
