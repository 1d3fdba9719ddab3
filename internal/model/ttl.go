package model

import (
	"fmt"
	"math"
	"strings"
)

// TTLType selects how a TTLPolicy combines its age and rank limits
type TTLType int

const (
	TTLAbsolute TTLType = iota
	TTLLatest
	TTLAbsAndLat
	TTLAbsOrLat
)

var ttlTypeNames = map[TTLType]string{
	TTLAbsolute:  "absolute",
	TTLLatest:    "latest",
	TTLAbsAndLat: "absandlat",
	TTLAbsOrLat:  "absorlat",
}

func (t TTLType) String() string {
	if name, ok := ttlTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ttl_type(%d)", int(t))
}

// ParseTTLType accepts the lower-case names used in configuration files
func ParseTTLType(s string) (TTLType, error) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch normalized {
	case "absolute", "absolutetime", "abs":
		return TTLAbsolute, nil
	case "latest", "latesttime", "lat":
		return TTLLatest, nil
	case "absandlat":
		return TTLAbsAndLat, nil
	case "absorlat":
		return TTLAbsOrLat, nil
	}
	return TTLAbsolute, fmt.Errorf("unknown ttl type %q", s)
}

func (t TTLType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TTLType) UnmarshalText(text []byte) error {
	parsed, err := ParseTTLType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TTLPolicy decides record expiry from age and rank.
// AbsTTL is in milliseconds, LatTTL is a record count. Zero disables a limit.
type TTLPolicy struct {
	Type   TTLType `json:"type"`
	AbsTTL uint64  `json:"abs_ttl"`
	LatTTL uint64  `json:"lat_ttl"`
}

// NewTTLPolicy builds a policy from an absolute limit in milliseconds and a latest count
func NewTTLPolicy(ttlType TTLType, absTTLMs, latTTL uint64) TTLPolicy {
	return TTLPolicy{Type: ttlType, AbsTTL: absTTLMs, LatTTL: latTTL}
}

// AbsMillis is AbsTTL as a signed age limit, saturated at math.MaxInt64
func (p TTLPolicy) AbsMillis() int64 {
	if p.AbsTTL > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(p.AbsTTL)
}

func (p TTLPolicy) absExpired(age int64) bool {
	return p.AbsTTL > 0 && age > p.AbsMillis()
}

func (p TTLPolicy) latExpired(rank uint64) bool {
	return p.LatTTL > 0 && rank > p.LatTTL
}

// Expired reports whether a record of the given age (ms) and 1-based rank is expired
func (p TTLPolicy) Expired(age int64, rank uint64) bool {
	switch p.Type {
	case TTLAbsolute:
		return p.absExpired(age)
	case TTLLatest:
		return p.latExpired(rank)
	case TTLAbsAndLat:
		return p.absExpired(age) && p.latExpired(rank)
	case TTLAbsOrLat:
		return p.absExpired(age) || p.latExpired(rank)
	}
	return false
}

// NeedGc reports whether the policy can ever expire a record
func (p TTLPolicy) NeedGc() bool {
	switch p.Type {
	case TTLAbsolute:
		return p.AbsTTL > 0
	case TTLLatest:
		return p.LatTTL > 0
	case TTLAbsAndLat:
		return p.AbsTTL > 0 && p.LatTTL > 0
	case TTLAbsOrLat:
		return p.AbsTTL > 0 || p.LatTTL > 0
	}
	return false
}

// UsesRank reports whether evaluating the policy needs a record's rank
func (p TTLPolicy) UsesRank() bool {
	return p.LatTTL > 0 && p.Type != TTLAbsolute
}

// UsesAge reports whether evaluating the policy needs a record's age
func (p TTLPolicy) UsesAge() bool {
	return p.AbsTTL > 0 && p.Type != TTLLatest
}

func (p TTLPolicy) String() string {
	return fmt.Sprintf("%s(abs=%dms,lat=%d)", p.Type, p.AbsTTL, p.LatTTL)
}

// TTLDesc is the declarative form of a policy: AbsTTL in minutes
type TTLDesc struct {
	Type   TTLType `yaml:"type" json:"type"`
	AbsTTL uint64  `yaml:"abs_ttl" json:"abs_ttl"`
	LatTTL uint64  `yaml:"lat_ttl" json:"lat_ttl"`
}

const minuteMs = 60 * 1000

// Policy converts the descriptor to a TTLPolicy. Limits too large to hold
// in milliseconds saturate.
func (d TTLDesc) Policy() TTLPolicy {
	abs := d.AbsTTL * minuteMs
	if d.AbsTTL > math.MaxUint64/minuteMs {
		abs = math.MaxUint64
	}
	return NewTTLPolicy(d.Type, abs, d.LatTTL)
}

// SimpleTTL builds a descriptor from a single ttl value: minutes for absolute
// kinds, a count for latest.
func SimpleTTL(ttl uint64, ttlType TTLType) TTLDesc {
	switch ttlType {
	case TTLLatest:
		return TTLDesc{Type: ttlType, LatTTL: ttl}
	case TTLAbsolute:
		return TTLDesc{Type: ttlType, AbsTTL: ttl}
	default:
		return TTLDesc{Type: ttlType, AbsTTL: ttl, LatTTL: ttl}
	}
}
