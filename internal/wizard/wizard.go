// Package wizard provides an interactive provisioning flow for SKDP:
// it generates the master / server / device key hierarchy and writes a
// daemon configuration for either role.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/keybridge/skdp/internal/config"
	"github.com/keybridge/skdp/internal/keys"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string

	MasterKeyPath string
	ServerKeyPath string
	DeviceKeyPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	rng io.Reader
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{rng: rand.Reader}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	pathStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Run drives the interactive flow and writes the key records and the
// configuration file to the chosen data directory.
func (w *Wizard) Run() (*Result, error) {
	var (
		role      = config.RoleServer
		address   = "0.0.0.0:32119"
		kind      = "tcp"
		dataDir   = defaultDataDir()
		mid       = randomHex(w.rng, keys.MIDSize)
		sid       = randomHex(w.rng, keys.SIDSize)
		did       = randomHex(w.rng, keys.DIDSize)
		validity  = "8760h"
		keepalive = "30s"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("Which side of the protocol does this host run?").
				Options(
					huh.NewOption("Server (listens for devices)", config.RoleServer),
					huh.NewOption("Device (connects to a server)", config.RoleDevice),
				).
				Value(&role),
			huh.NewInput().
				Title("Address").
				Description("Listen address for a server, server address for a device.").
				Value(&address).
				Validate(validateHostPort),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP", "tcp"),
					huh.NewOption("WebSocket", "ws"),
					huh.NewOption("QUIC", "quic"),
				).
				Value(&kind),
			huh.NewInput().
				Title("Data directory").
				Description("Key records and the configuration are stored here.").
				Value(&dataDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Master domain ID (MID)").
				Description("4 bytes, hex.").
				Value(&mid).
				Validate(validateHex(keys.MIDSize)),
			huh.NewInput().
				Title("Server ID (SID)").
				Description("8 bytes, hex.").
				Value(&sid).
				Validate(validateHex(keys.SIDSize)),
			huh.NewInput().
				Title("Device ID (DID)").
				Description("4 bytes, hex.").
				Value(&did).
				Validate(validateHex(keys.DIDSize)),
			huh.NewInput().
				Title("Key validity").
				Description("Lifetime of the generated hierarchy, e.g. 8760h.").
				Value(&validity).
				Validate(validateDuration),
			huh.NewInput().
				Title("Keepalive interval").
				Description("0s disables liveness probes.").
				Value(&keepalive).
				Validate(validateDuration),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	lifetime, _ := time.ParseDuration(validity)
	kaInterval, _ := time.ParseDuration(keepalive)

	res, err := w.provision(role, address, kind, dataDir, mid, sid, did, lifetime, kaInterval)
	if err != nil {
		return nil, err
	}

	w.printSummary(res)
	return res, nil
}

// provision generates the key hierarchy and writes the configuration.
func (w *Wizard) provision(role, address, kind, dataDir, mid, sid, did string, lifetime, kaInterval time.Duration) (*Result, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var midBytes [keys.MIDSize]byte
	var sidBytes [keys.SIDSize]byte
	var didBytes [keys.DIDSize]byte
	mustDecodeHex(midBytes[:], mid)
	mustDecodeHex(sidBytes[:], sid)
	mustDecodeHex(didBytes[:], did)

	master, err := keys.GenerateMasterKey(w.rng, midBytes, lifetime)
	if err != nil {
		return nil, err
	}
	defer master.Wipe()

	server := master.DeriveServerKey(sidBytes)
	defer server.Wipe()
	device := server.DeriveDeviceKey(didBytes)
	defer device.Wipe()

	res := &Result{
		DataDir:       dataDir,
		ConfigPath:    filepath.Join(dataDir, "config.yaml"),
		MasterKeyPath: filepath.Join(dataDir, "master.key"),
		ServerKeyPath: filepath.Join(dataDir, "server.key"),
		DeviceKeyPath: filepath.Join(dataDir, "device.key"),
	}

	if err := master.Store(res.MasterKeyPath); err != nil {
		return nil, err
	}
	if err := server.Store(res.ServerKeyPath); err != nil {
		return nil, err
	}
	if err := device.Store(res.DeviceKeyPath); err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Role = role
	cfg.Address = address
	cfg.Transport.Kind = kind
	cfg.Keys.Server = res.ServerKeyPath
	cfg.Keys.Device = res.DeviceKeyPath
	cfg.KeepAlive.Interval = kaInterval
	cfg.KeepAlive.Timeout = 2 * kaInterval

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Write(res.ConfigPath); err != nil {
		return nil, err
	}
	res.Config = cfg

	return res, nil
}

func (w *Wizard) printSummary(res *Result) {
	fmt.Println(titleStyle.Render("SKDP provisioning complete"))
	fmt.Printf("  config:     %s\n", pathStyle.Render(res.ConfigPath))
	fmt.Printf("  master key: %s\n", pathStyle.Render(res.MasterKeyPath))
	fmt.Printf("  server key: %s\n", pathStyle.Render(res.ServerKeyPath))
	fmt.Printf("  device key: %s\n", pathStyle.Render(res.DeviceKeyPath))
	fmt.Println(warningStyle.Render("Move the device key to the device out-of-band and delete it here; keep the master key offline."))
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".skdp")
	}
	return "skdp-data"
}

func randomHex(rng io.Reader, n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func mustDecodeHex(dst []byte, s string) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(dst) {
		// inputs are pre-validated by the form
		panic(fmt.Sprintf("invalid hex segment %q", s))
	}
	copy(dst, raw)
}

func validateHostPort(s string) error {
	_, _, err := net.SplitHostPort(s)
	return err
}

func validateHex(n int) func(string) error {
	return func(s string) error {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("must be hex")
		}
		if len(raw) != n {
			return fmt.Errorf("must be %d bytes (%d hex chars)", n, 2*n)
		}
		return nil
	}
}

func validateDuration(s string) error {
	_, err := time.ParseDuration(s)
	return err
}
