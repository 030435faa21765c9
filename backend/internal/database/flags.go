package database

import (
	"strings"

	"crema/backend/internal/apperr"
)

// Flags 描述 data-base 的状态，用于过滤。三对标志两两互斥
type Flags uint32

const (
	NotLoaded Flags = 1 << iota
	Loaded
	Public
	Private
	NotLocked
	Locked
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{NotLoaded, "NotLoaded"},
	{Loaded, "Loaded"},
	{Public, "Public"},
	{Private, "Private"},
	{NotLocked, "NotLocked"},
	{Locked, "Locked"},
}

var exclusivePairs = [][2]Flags{
	{Loaded, NotLoaded},
	{Public, Private},
	{Locked, NotLocked},
}

func (f Flags) Has(x Flags) bool { return f&x == x }

// Validate 拒绝同时设置同一对里两个标志的组合
func (f Flags) Validate() error {
	for _, p := range exclusivePairs {
		if f.Has(p[0]) && f.Has(p[1]) {
			return apperr.New(apperr.KindValidation, "flags %s: %s and %s are mutually exclusive", f, flagName(p[0]), flagName(p[1]))
		}
	}
	if f&^(Locked<<1-1) != 0 {
		return apperr.New(apperr.KindValidation, "unknown flag bits %#x", uint32(f))
	}
	return nil
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}
	var parts []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func flagName(f Flags) string {
	for _, n := range flagNames {
		if n.f == f {
			return n.name
		}
	}
	return "?"
}

func ParseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" || s == "None" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, n := range flagNames {
			if strings.EqualFold(strings.TrimSpace(part), n.name) {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, apperr.New(apperr.KindInvalidArgument, "unknown data-base flag %q", part)
		}
	}
	return f, f.Validate()
}
