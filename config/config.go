// Package config loads the two configuration files of the stack: the TOML
// bus description and the YAML ECU diagnostic profile.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/cantools/canstack/bus"
	"github.com/cantools/canstack/uds"
)

// BusConfig describes a simulated bus and its attached nodes.
type BusConfig struct {
	// Tick is the bus step interval, e.g. "1ms".
	Tick  string       `toml:"tick"`
	Nodes []NodeConfig `toml:"nodes"`
}

// NodeConfig is one attached node; zero confinement fields fall back to the
// standard values.
type NodeConfig struct {
	Name                string `toml:"name"`
	TxErrorWeight       int    `toml:"tx_error_weight"`
	RxErrorWeight       int    `toml:"rx_error_weight"`
	SuccessCredit       int    `toml:"success_credit"`
	PassiveThreshold    int    `toml:"passive_threshold"`
	BusOffThreshold     int    `toml:"bus_off_threshold"`
	RecoverySequences   int    `toml:"recovery_sequences"`
	PassiveSuspendTicks int    `toml:"passive_suspend_ticks"`
}

// Params converts the node entry to confinement parameters, filling defaults.
func (n NodeConfig) Params() bus.ConfinementParams {
	p := bus.DefaultConfinementParams()
	if n.TxErrorWeight > 0 {
		p.TxErrorWeight = n.TxErrorWeight
	}
	if n.RxErrorWeight > 0 {
		p.RxErrorWeight = n.RxErrorWeight
	}
	if n.SuccessCredit > 0 {
		p.SuccessCredit = n.SuccessCredit
	}
	if n.PassiveThreshold > 0 {
		p.PassiveThreshold = n.PassiveThreshold
	}
	if n.BusOffThreshold > 0 {
		p.BusOffThreshold = n.BusOffThreshold
	}
	if n.RecoverySequences > 0 {
		p.RecoverySequences = n.RecoverySequences
	}
	if n.PassiveSuspendTicks > 0 {
		p.PassiveSuspendTicks = n.PassiveSuspendTicks
	}
	return p
}

// TickDuration parses the bus step interval, defaulting to 1ms.
func (c *BusConfig) TickDuration() (time.Duration, error) {
	if c.Tick == "" {
		return time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.Tick)
	if err != nil {
		return 0, fmt.Errorf("invalid tick %q: %w", c.Tick, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("tick must be positive, got %q", c.Tick)
	}
	return d, nil
}

// LoadBusConfig reads and validates a TOML bus description.
func LoadBusConfig(path string) (*BusConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg BusConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse bus config: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("bus config declares no nodes")
	}
	seen := map[string]bool{}
	for _, n := range cfg.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("node without a name")
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	if _, err := cfg.TickDuration(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Profile is the YAML diagnostic profile of one ECU: identification data,
// fault memory preload and security settings.
type Profile struct {
	VIN             string       `yaml:"vin"`
	SoftwareVersion string       `yaml:"software_version"`
	SerialNumber    string       `yaml:"serial_number"`
	SecuritySecret  string       `yaml:"security_secret"` // hex, AES key length
	P2              string       `yaml:"p2"`
	P2Star          string       `yaml:"p2_star"`
	S3              string       `yaml:"s3"`
	DIDs            []DIDEntry   `yaml:"dids"`
	DTCs            []DTCEntry   `yaml:"dtcs"`
}

// DIDEntry declares one data identifier served by the ECU.
type DIDEntry struct {
	ID         uint16 `yaml:"id"`
	Value      string `yaml:"value"`      // printable record
	HexValue   string `yaml:"hex_value"`  // alternative raw record
	ReadOnly   bool   `yaml:"read_only"`
	WriteLevel uint8  `yaml:"write_level"`
}

// DTCEntry preloads one diagnostic trouble code.
type DTCEntry struct {
	Code   uint32 `yaml:"code"`
	Status uint8  `yaml:"status"`
}

// LoadProfile reads and validates a YAML ECU profile.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if p.SecuritySecret != "" {
		if _, err := p.Secret(); err != nil {
			return nil, err
		}
	}
	for _, d := range p.DIDs {
		if d.Value != "" && d.HexValue != "" {
			return nil, fmt.Errorf("did 0x%04X sets both value and hex_value", d.ID)
		}
	}
	return &p, nil
}

// Secret decodes the hex security secret shared by tester and ECU.
func (p *Profile) Secret() ([]byte, error) {
	secret, err := hex.DecodeString(p.SecuritySecret)
	if err != nil {
		return nil, fmt.Errorf("security_secret is not valid hex: %w", err)
	}
	return secret, nil
}

func (p *Profile) timing() (uds.SessionTiming, error) {
	t := uds.DefaultSessionTiming()
	set := func(dst *time.Duration, s, name string) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid %s %q", name, s)
		}
		*dst = d
		return nil
	}
	if err := set(&t.P2, p.P2, "p2"); err != nil {
		return t, err
	}
	if err := set(&t.P2Star, p.P2Star, "p2_star"); err != nil {
		return t, err
	}
	if err := set(&t.S3, p.S3, "s3"); err != nil {
		return t, err
	}
	return t, nil
}

// ServerConfig builds the diagnostic server configuration from the profile.
func (p *Profile) ServerConfig() (uds.ServerConfig, error) {
	timing, err := p.timing()
	if err != nil {
		return uds.ServerConfig{}, err
	}
	cfg := uds.ServerConfig{Timing: timing}
	if p.SecuritySecret != "" {
		secret, err := p.Secret()
		if err != nil {
			return uds.ServerConfig{}, err
		}
		algo, err := uds.NewCmacKeyAlgorithm(secret)
		if err != nil {
			return uds.ServerConfig{}, fmt.Errorf("security_secret: %w", err)
		}
		cfg.KeyAlgorithm = algo
	}
	return cfg, nil
}

// Populate registers the profile's identification data and fault memory on a
// server.
func (p *Profile) Populate(srv *uds.Server) error {
	if p.VIN != "" {
		srv.DIDs.Register(uds.DIDVIN, uds.DataIdentifier{Value: []byte(p.VIN), ReadOnly: true})
	}
	if p.SoftwareVersion != "" {
		srv.DIDs.Register(uds.DIDECUSoftwareVersion, uds.DataIdentifier{Value: []byte(p.SoftwareVersion), ReadOnly: true})
	}
	if p.SerialNumber != "" {
		srv.DIDs.Register(uds.DIDECUSerialNumber, uds.DataIdentifier{Value: []byte(p.SerialNumber), ReadOnly: true})
	}
	for _, d := range p.DIDs {
		value := []byte(d.Value)
		if d.HexValue != "" {
			raw, err := hex.DecodeString(d.HexValue)
			if err != nil {
				return fmt.Errorf("did 0x%04X hex_value: %w", d.ID, err)
			}
			value = raw
		}
		srv.DIDs.Register(d.ID, uds.DataIdentifier{
			Value:      value,
			ReadOnly:   d.ReadOnly,
			WriteLevel: d.WriteLevel,
		})
	}
	for _, d := range p.DTCs {
		srv.DTCs.Set(d.Code, d.Status)
	}
	return nil
}
