package registry

import (
	"context"
	"errors"
	"fmt"
)

// Handle identifies an analyzable text unit, e.g. "file:///src/lib.rs" or
// "gen://3fa1c2/0-9be0".
type Handle string

// UnitID and RecordID index the registry's arenas. They are never reused.
type (
	UnitID   int
	RecordID int
)

// NoRecord is returned where a RecordID is absent.
const NoRecord RecordID = -1

// Stamp is a unit's modification fingerprint: either a positive value
// comparable with Host.Stamp, or one of the sentinels below.
type Stamp int64

const (
	StampFresh       Stamp = -1
	StampStrong      Stamp = -2
	StampForceRelink Stamp = -3
)

// Mode is the reference mode of a SourceUnit.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeFresh
	ModeStrong
	ModeStub
	ModeLost
)

func (m Mode) String() string {
	switch m {
	case ModeInvalid:
		return "INVALID"
	case ModeFresh:
		return "FRESH"
	case ModeStrong:
		return "STRONG"
	case ModeStub:
		return "STUB"
	case ModeLost:
		return "LOST"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// StructIndex locates a call site inside its unit's structure. It is only
// meaningful while the unit's structure stamp is unchanged.
type StructIndex string

// CallRef is a direct reference to a call site in a live structure. It must
// be comparable; pointer identity is the usual choice.
type CallRef any

// CallSite is one expansion call observed in a unit.
type CallSite struct {
	Ref      CallRef
	Index    StructIndex
	Name     string
	Body     string
	BodyHash string
}

// Structure is a parsed snapshot of one unit.
type Structure interface {
	Stamp() Stamp
	// CallSites returns every call site in document order.
	CallSites() []CallSite
	// Resolve returns the call site at idx, or false if idx no longer names
	// a call site.
	Resolve(idx StructIndex) (CallSite, bool)
	// Locate returns the current state of the call site referenced by ref,
	// or false if it no longer exists.
	Locate(ref CallRef) (CallSite, bool)
}

// Host supplies structure and definitions. Implementations must be safe for
// concurrent use during the reading phase.
type Host interface {
	// Stamp reports the current fingerprint of h, or false if h is no
	// longer valid.
	Stamp(h Handle) (Stamp, bool)
	Structure(ctx context.Context, h Handle) (Structure, error)
	// DefinitionHash returns the content hash of the definition site
	// currently resolves to from unit h.
	DefinitionHash(ctx context.Context, h Handle, site CallSite) (string, bool)
}

// ErrorKind classifies a failed or pending expansion.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotExpanded
	KindUnresolved
	KindScriptFailure
	KindLimitExceeded
	KindCancelled
)

var kindNames = map[ErrorKind]string{
	KindNone:          "",
	KindNotExpanded:   "not-expanded",
	KindUnresolved:    "unresolved",
	KindScriptFailure: "script-failure",
	KindLimitExceeded: "limit-exceeded",
	KindCancelled:     "cancelled",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind-%d", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("registry: unknown error kind %q", s)
}

// ExpansionError is returned by Record.Result for records without output.
type ExpansionError struct {
	Kind ErrorKind
}

func (e *ExpansionError) Error() string {
	return "expansion " + e.Kind.String()
}

// Outcome is one computed expansion, fed back through Registry.Apply.
type Outcome struct {
	Output     Handle
	OutputHash string
	DefHash    string
	CallHash   string
	Kind       ErrorKind
}

// BindingKind says which identity-tracking field of a record is set.
type BindingKind int

const (
	BindNone BindingKind = iota
	BindIndex
	BindRef
)

// Record is a read-only snapshot of an ExpansionRecord.
type Record struct {
	ID         RecordID
	Unit       UnitID
	Output     Handle
	DefHash    string
	CallHash   string
	OutputHash string
	Kind       ErrorKind
	Binding    BindingKind
	Index      StructIndex
}

// Result returns the output handle, or an *ExpansionError when the record
// has no usable output.
func (r Record) Result() (Handle, error) {
	if r.Kind != KindNone {
		return "", &ExpansionError{Kind: r.Kind}
	}
	if r.Output == "" {
		return "", &ExpansionError{Kind: KindNotExpanded}
	}
	return r.Output, nil
}

// Unit is a read-only snapshot of a SourceUnit.
type Unit struct {
	ID      UnitID
	Handle  Handle
	Depth   int
	Stamp   Stamp
	Mode    Mode
	Records []RecordID
}

// WorkItem asks the expansion pipeline to (re)expand one call site.
type WorkItem struct {
	Record   RecordID
	Unit     UnitID
	Handle   Handle
	Depth    int
	Position int
	Site     CallSite
	DefHash  string
}

var (
	ErrUnknownRecord = errors.New("registry: unknown record")
	ErrUnknownUnit   = errors.New("registry: unknown unit")
	ErrNotBound      = errors.New("registry: unit is not in STUB mode")
	ErrUnresolvable  = errors.New("registry: structural index does not resolve")
	ErrOutputClaimed = errors.New("registry: output is produced by another record")
)
