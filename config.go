package permit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/permit/utils"
)

// Config is the declarative half of the system: the permission catalog, role
// grants, per-identity grants, feature flags and their schedules, and engine
// tuning. Rules themselves stay in code; config only shapes the data rules
// and fallbacks see.
type Config struct {
	Version    uint16          `json:"version" yaml:"version"`
	Catalog    []string        `json:"catalog" yaml:"catalog"`
	Roles      []RoleGrant     `json:"roles" yaml:"roles"`
	Identities []IdentityGrant `json:"identities" yaml:"identities"`
	Flags      map[string]bool `json:"flags" yaml:"flags"`
	Schedules  []FlagSchedule  `json:"schedules" yaml:"schedules"`
	Engine     EngineConfig    `json:"engine" yaml:"engine"`
}

// RoleGrant names a role and the permission patterns it grants. Patterns are
// expanded against the catalog; "document.*" grants every catalog key under
// the document prefix.
type RoleGrant struct {
	Name   string   `json:"name" yaml:"name"`
	Grants []string `json:"grants" yaml:"grants"`
}

// IdentityGrant assigns roles and direct permissions to one identity.
type IdentityGrant struct {
	ID          string   `json:"id" yaml:"id"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// FlagSchedule flips a flag to Value inside the [From, Until] window. Both
// bounds are optional and accept any format oarkflow/date understands.
type FlagSchedule struct {
	Flag  string `json:"flag" yaml:"flag"`
	Value bool   `json:"value" yaml:"value"`
	From  string `json:"from,omitempty" yaml:"from,omitempty"`
	Until string `json:"until,omitempty" yaml:"until,omitempty"`
}

// EngineConfig tunes the evaluation engine.
type EngineConfig struct {
	DefaultMode         string `json:"default_mode,omitempty" yaml:"default_mode,omitempty"`
	MemoCacheTTL        int64  `json:"memo_cache_ttl_ms,omitempty" yaml:"memo_cache_ttl_ms,omitempty"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the compact binary format.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate reports structural problems: empty role names, identities assigned
// undefined roles, unparsable schedule bounds, unknown engine mode.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		known[r.Name] = true
	}
	for _, id := range c.Identities {
		if id.ID == "" {
			return fmt.Errorf("identity with empty id")
		}
		for _, role := range id.Roles {
			if !known[role] {
				return fmt.Errorf("identity %s references undefined role %s", id.ID, role)
			}
		}
	}
	for _, s := range c.Schedules {
		if s.Flag == "" {
			return fmt.Errorf("schedule with empty flag name")
		}
		if s.From != "" {
			if _, err := date.Parse(s.From); err != nil {
				return fmt.Errorf("schedule %s: bad from %q: %w", s.Flag, s.From, err)
			}
		}
		if s.Until != "" {
			if _, err := date.Parse(s.Until); err != nil {
				return fmt.Errorf("schedule %s: bad until %q: %w", s.Flag, s.Until, err)
			}
		}
	}
	switch Mode(c.Engine.DefaultMode) {
	case "", ModeAny, ModeAll:
	default:
		return fmt.Errorf("unknown engine mode %q", c.Engine.DefaultMode)
	}
	return nil
}

// ExpandRoleGrants resolves each role's grant patterns against the catalog.
// Patterns without a wildcard pass through unchanged so roles can grant keys
// the catalog does not enumerate.
func (c *Config) ExpandRoleGrants() map[string][]string {
	out := make(map[string][]string, len(c.Roles))
	for _, role := range c.Roles {
		grants := make([]string, 0, len(role.Grants))
		for _, pattern := range role.Grants {
			if !utils.HasPattern(pattern) {
				grants = append(grants, pattern)
				continue
			}
			for _, key := range c.Catalog {
				if utils.MatchKey(key, pattern) {
					grants = append(grants, key)
				}
			}
		}
		out[role.Name] = grants
	}
	return out
}

// EffectiveFlags applies the schedules over the base flags at the given time.
func (c *Config) EffectiveFlags(now time.Time) map[string]bool {
	return resolveFlags(c.Flags, c.Schedules, now)
}

func resolveFlags(base map[string]bool, schedules []FlagSchedule, now time.Time) map[string]bool {
	out := make(map[string]bool, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, s := range schedules {
		if !scheduleActive(s, now) {
			continue
		}
		out[s.Flag] = s.Value
	}
	return out
}

// scheduleActive reports whether now falls inside the schedule window.
// Unparsable bounds deactivate the schedule; Validate catches them up front.
func scheduleActive(s FlagSchedule, now time.Time) bool {
	if s.From != "" {
		from, err := date.Parse(s.From)
		if err != nil || now.Before(from) {
			return false
		}
	}
	if s.Until != "" {
		until, err := date.Parse(s.Until)
		if err != nil || now.After(until) {
			return false
		}
	}
	return true
}

// ApplyConfig installs the config on the engine: default mode, memo cache,
// role grant expansion, flags and schedules, and — when the attached grant
// store is mutable — the per-identity grants.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Engine.DefaultMode != "" {
		e.defaultMode = Mode(cfg.Engine.DefaultMode).normalize()
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		ttl := time.Duration(cfg.Engine.MemoCacheTTL) * time.Millisecond
		if err := e.configureMemoCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer, ttl); err != nil {
			return err
		}
	}
	e.roleGrants = cfg.ExpandRoleGrants()
	e.baseFlags = cloneFlags(cfg.Flags)
	e.schedules = append([]FlagSchedule{}, cfg.Schedules...)

	mg, ok := e.grants.(MutableGrantStore)
	if !ok {
		return nil
	}
	for _, id := range cfg.Identities {
		for _, role := range id.Roles {
			if err := mg.AssignRole(ctx, id.ID, role); err != nil {
				return fmt.Errorf("assign role %s to %s: %w", role, id.ID, err)
			}
		}
		for _, key := range id.Permissions {
			if err := mg.GrantPermission(ctx, id.ID, key); err != nil {
				return fmt.Errorf("grant %s to %s: %w", key, id.ID, err)
			}
		}
	}
	return nil
}

// ============================================================================
// BINARY FORMAT
// ============================================================================

// Header: magic(2) + format version(2) + config version(2), then tagged
// length-prefixed sections, all little-endian.
const (
	binaryMagic   = 0x504D // "PM" for permit
	binaryVersion = 1
)

const (
	sectionCatalog    uint8 = 0x01
	sectionRoles      uint8 = 0x02
	sectionIdentities uint8 = 0x03
	sectionFlags      uint8 = 0x04
	sectionSchedules  uint8 = 0x05
	sectionEngine     uint8 = 0x06
)

// EncodeBinaryConfig encodes config to the binary format.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, sectionCatalog, func(b *bytes.Buffer) { encodeStringList(b, cfg.Catalog) })
	writeSection(buf, sectionRoles, func(b *bytes.Buffer) { encodeRoleGrants(b, cfg.Roles) })
	writeSection(buf, sectionIdentities, func(b *bytes.Buffer) { encodeIdentityGrants(b, cfg.Identities) })
	writeSection(buf, sectionFlags, func(b *bytes.Buffer) { encodeFlagMap(b, cfg.Flags) })
	writeSection(buf, sectionSchedules, func(b *bytes.Buffer) { encodeSchedules(b, cfg.Schedules) })
	writeSection(buf, sectionEngine, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(r, data)

		switch tag {
		case sectionCatalog:
			cfg.Catalog = decodeStringList(data)
		case sectionRoles:
			cfg.Roles = decodeRoleGrants(data)
		case sectionIdentities:
			cfg.Identities = decodeIdentityGrants(data)
		case sectionFlags:
			cfg.Flags = decodeFlagMap(data)
		case sectionSchedules:
			cfg.Schedules = decodeSchedules(data)
		case sectionEngine:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func encodeStringList(buf *bytes.Buffer, list []string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(list)))
	for _, s := range list {
		writeString(buf, s)
	}
}

func decodeStringListReader(r *bytes.Reader) []string {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	list := make([]string, count)
	for i := range list {
		list[i] = readString(r)
	}
	return list
}

func decodeStringList(data []byte) []string {
	return decodeStringListReader(bytes.NewReader(data))
}

func encodeRoleGrants(buf *bytes.Buffer, roles []RoleGrant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(roles)))
	for _, role := range roles {
		writeString(buf, role.Name)
		encodeStringList(buf, role.Grants)
	}
}

func decodeRoleGrants(data []byte) []RoleGrant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	roles := make([]RoleGrant, count)
	for i := range roles {
		roles[i].Name = readString(r)
		roles[i].Grants = decodeStringListReader(r)
	}
	return roles
}

func encodeIdentityGrants(buf *bytes.Buffer, ids []IdentityGrant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(ids)))
	for _, id := range ids {
		writeString(buf, id.ID)
		encodeStringList(buf, id.Roles)
		encodeStringList(buf, id.Permissions)
	}
}

func decodeIdentityGrants(data []byte) []IdentityGrant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	ids := make([]IdentityGrant, count)
	for i := range ids {
		ids[i].ID = readString(r)
		ids[i].Roles = decodeStringListReader(r)
		ids[i].Permissions = decodeStringListReader(r)
	}
	return ids
}

func encodeFlagMap(buf *bytes.Buffer, flags map[string]bool) {
	binary.Write(buf, binary.LittleEndian, uint16(len(flags)))
	for name, value := range flags {
		writeString(buf, name)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[value])
	}
}

func decodeFlagMap(data []byte) map[string]bool {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	flags := make(map[string]bool, count)
	for i := 0; i < int(count); i++ {
		name := readString(r)
		v, _ := r.ReadByte()
		flags[name] = v == 1
	}
	return flags
}

func encodeSchedules(buf *bytes.Buffer, schedules []FlagSchedule) {
	binary.Write(buf, binary.LittleEndian, uint16(len(schedules)))
	for _, s := range schedules {
		writeString(buf, s.Flag)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[s.Value])
		writeString(buf, s.From)
		writeString(buf, s.Until)
	}
}

func decodeSchedules(data []byte) []FlagSchedule {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	schedules := make([]FlagSchedule, count)
	for i := range schedules {
		schedules[i].Flag = readString(r)
		v, _ := r.ReadByte()
		schedules[i].Value = v == 1
		schedules[i].From = readString(r)
		schedules[i].Until = readString(r)
	}
	return schedules
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	writeString(buf, cfg.DefaultMode)
	binary.Write(buf, binary.LittleEndian, cfg.MemoCacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	cfg.DefaultMode = readString(r)
	binary.Read(r, binary.LittleEndian, &cfg.MemoCacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	return cfg
}
