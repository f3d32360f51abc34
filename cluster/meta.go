package cluster

import (
	"fmt"
	"strconv"
)

// SlotCount is the wire constant of the protocol family.
const SlotCount = 16384

// SlotRangeTag marks why a slot range is listed on a node: owned
// outright, mid-migration-out, or mid-migration-in. Exactly one of
// Migrating/Importing holds a MigrationMeta.
type SlotRangeTag int

const (
	TagNone SlotRangeTag = iota
	TagMigrating
	TagImporting
)

func (t SlotRangeTag) String() string {
	switch t {
	case TagMigrating:
		return "MIGRATING"
	case TagImporting:
		return "IMPORTING"
	default:
		return "NONE"
	}
}

// MigrationMeta is the immutable tuple identifying one migration. Two
// tasks refer to the same migration iff their metas are equal.
type MigrationMeta struct {
	Epoch          int64
	SrcProxyAddress string
	SrcNodeAddress  string
	DstProxyAddress string
	DstNodeAddress  string
}

// Equal reports bit-equality of two metas.
func (m MigrationMeta) Equal(other MigrationMeta) bool {
	return m == other
}

// SlotRange is the inclusive-on-the-wire range `[Start, End]`, carrying
// an optional migration tag and meta.
type SlotRange struct {
	Start int
	End   int
	Tag   SlotRangeTag
	Meta  *MigrationMeta
}

// Contains reports whether slot falls inside this range.
func (r *SlotRange) Contains(slot int) bool {
	return slot >= r.Start && slot <= r.End
}

// MigrationTaskMeta is the payload carried inside a TMPSWITCH command:
// which db and which slot range is switching.
type MigrationTaskMeta struct {
	DBName    string
	SlotRange SlotRange
}

// SwitchArg is the full argument list of `UMCTL TMPSWITCH <version> ...`.
type SwitchArg struct {
	Version string
	Meta    MigrationTaskMeta
}

// IntoStrings serializes a SwitchArg into the flat string-arg form sent
// over the wire as a TMPSWITCH command tail, round-tripped by
// ParseSwitchArg.
func (a SwitchArg) IntoStrings() []string {
	m := a.Meta.SlotRange.Meta
	if m == nil {
		m = &MigrationMeta{}
	}
	return []string{
		a.Version,
		a.Meta.DBName,
		strconv.Itoa(a.Meta.SlotRange.Start),
		strconv.Itoa(a.Meta.SlotRange.End),
		strconv.FormatInt(m.Epoch, 10),
		m.SrcProxyAddress,
		m.SrcNodeAddress,
		m.DstProxyAddress,
		m.DstNodeAddress,
	}
}

// ParseSwitchArg is the inverse of SwitchArg.IntoStrings.
func ParseSwitchArg(args []string) (SwitchArg, error) {
	if len(args) != 9 {
		return SwitchArg{}, fmt.Errorf("TMPSWITCH: expected 9 fields, got %d", len(args))
	}
	start, err := strconv.Atoi(args[2])
	if err != nil {
		return SwitchArg{}, fmt.Errorf("TMPSWITCH: bad start slot: %w", err)
	}
	end, err := strconv.Atoi(args[3])
	if err != nil {
		return SwitchArg{}, fmt.Errorf("TMPSWITCH: bad end slot: %w", err)
	}
	epoch, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return SwitchArg{}, fmt.Errorf("TMPSWITCH: bad epoch: %w", err)
	}
	meta := MigrationMeta{
		Epoch:           epoch,
		SrcProxyAddress: args[5],
		SrcNodeAddress:  args[6],
		DstProxyAddress: args[7],
		DstNodeAddress:  args[8],
	}
	return SwitchArg{
		Version: args[0],
		Meta: MigrationTaskMeta{
			DBName: args[1],
			SlotRange: SlotRange{
				Start: start,
				End:   end,
				Tag:   TagMigrating,
				Meta:  &meta,
			},
		},
	}, nil
}
