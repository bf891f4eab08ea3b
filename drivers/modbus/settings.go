package modbus

import (
	"fmt"
	"strings"

	"github.com/timzifer/scopectl/config"
)

// Settings describes driver_settings of Modbus driven instruments.
type Settings struct {
	Address  string                     `json:"address"`
	UnitID   byte                       `json:"unit_id,omitempty"`
	Timeout  config.Duration            `json:"timeout,omitempty"`
	Controls map[string]RegisterSetting `json:"controls"`
}

// RegisterSetting maps one control onto a holding register.
type RegisterSetting struct {
	Address    uint16   `json:"address"`
	Scale      float64  `json:"scale,omitempty"`
	Signed     bool     `json:"signed,omitempty"`
	Endianness string   `json:"endianness,omitempty"`
	ReadBack   string   `json:"read_back,omitempty"`
	ReadAddr   *uint16  `json:"read_address,omitempty"`
	ReadScale  *float64 `json:"read_scale,omitempty"`
}

type resolvedRegister struct {
	address      uint16
	scale        float64
	signed       bool
	littleEndian bool
	readFunction string
	readAddress  uint16
	readScale    float64
}

func decodeSettings(cfg config.InstrumentConfig) (Settings, error) {
	var settings Settings
	if err := config.DecodeSettings(cfg.DriverSettings, &settings); err != nil {
		return Settings{}, fmt.Errorf("instrument %s: decode modbus settings: %w", cfg.ID, err)
	}
	if settings.Address == "" {
		return Settings{}, fmt.Errorf("instrument %s: modbus address is required", cfg.ID)
	}
	return settings, nil
}

func (s Settings) endpoint() Endpoint {
	return Endpoint{Address: s.Address, UnitID: s.UnitID, Timeout: s.Timeout.Duration}
}

func (s Settings) resolve() (map[string]resolvedRegister, error) {
	out := make(map[string]resolvedRegister, len(s.Controls))
	for name, reg := range s.Controls {
		resolved := resolvedRegister{
			address:      reg.Address,
			scale:        reg.Scale,
			signed:       reg.Signed,
			readFunction: strings.ToLower(strings.TrimSpace(reg.ReadBack)),
			readAddress:  reg.Address,
		}
		if resolved.scale == 0 {
			resolved.scale = 1
		}
		switch strings.ToLower(reg.Endianness) {
		case "", "big", "big_endian":
		case "little", "little_endian":
			resolved.littleEndian = true
		default:
			return nil, fmt.Errorf("control %s: unknown endianness %q", name, reg.Endianness)
		}
		switch resolved.readFunction {
		case "":
			resolved.readFunction = "holding"
		case "holding", "input":
		default:
			return nil, fmt.Errorf("control %s: unknown read_back function %q", name, reg.ReadBack)
		}
		if reg.ReadAddr != nil {
			resolved.readAddress = *reg.ReadAddr
		}
		resolved.readScale = resolved.scale
		if reg.ReadScale != nil && *reg.ReadScale != 0 {
			resolved.readScale = *reg.ReadScale
		}
		out[name] = resolved
	}
	return out, nil
}
