package detector

import (
	"fmt"
	"io"
	"strings"

	"github.com/kolkov/probekit/internal/monitor/epoch"
	"github.com/kolkov/probekit/internal/monitor/vectorclock"
	"github.com/kolkov/probekit/internal/srcmap"
)

// AccessType represents the type of memory access (Read or Write).
type AccessType int

const (
	// AccessRead indicates a read memory access.
	AccessRead AccessType = iota
	// AccessWrite indicates a write memory access.
	AccessWrite
)

func accessType(write bool) AccessType {
	if write {
		return AccessWrite
	}
	return AccessRead
}

// String returns the string representation of an AccessType.
func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// AccessInfo describes one side of a race.
type AccessInfo struct {
	TID   vectorclock.TID
	Type  AccessType
	Line  int
	Epoch epoch.Epoch
	Stack []srcmap.Location
}

// RaceReport is one detected race.
type RaceReport struct {
	// Number is the report's position in detection order, from 0.
	Number int
	Addr   uint64
	Var    Var
	// Current is the access that triggered detection.
	Current AccessInfo
	// Previous is the earlier conflicting access. Zero in lockset mode.
	Previous AccessInfo
	// Locks are all locks observed across the variable's accesses,
	// ordered by declaration line.
	Locks []Lock
}

// Header is the first line of a rendered report.
func Header(n int) string {
	return fmt.Sprintf("[--------------------- Data race detected #%d ---------------------]", n)
}

// FormatOptions controls WriteTo output.
type FormatOptions struct {
	// HideThread omits the thread id line, for reproducible output.
	HideThread bool
	// Header styles the header line. Nil leaves it plain.
	Header func(string) string
}

// Format renders the report:
//
//	[--------------------- Data race detected #0 ---------------------]
//	thread id          = 1
//	variable name      = counter
//	variable decl      = 5
//	variable used line = 38
//	[related locks]
//	    - lock variable name = mutex1
//	    - lock variable decl = 8
//
// followed by an empty line.
func (r *RaceReport) Format(opts FormatOptions) string {
	var b strings.Builder
	header := Header(r.Number)
	if opts.Header != nil {
		header = opts.Header(header)
	}
	b.WriteString(header + "\n")
	if !opts.HideThread {
		fmt.Fprintf(&b, "thread id          = %d\n", r.Current.TID)
	}
	fmt.Fprintf(&b, "variable name      = %s\n", r.Var.Name)
	fmt.Fprintf(&b, "variable decl      = %d\n", r.Var.Decl)
	fmt.Fprintf(&b, "variable used line = %d\n", r.Current.Line)
	b.WriteString("[related locks]\n")
	for _, l := range r.Locks {
		fmt.Fprintf(&b, "    - lock variable name = %s\n", l.Name)
		fmt.Fprintf(&b, "    - lock variable decl = %d\n", l.Decl)
	}
	b.WriteString("\n")
	return b.String()
}

// WriteReports renders reports in order to w.
func WriteReports(w io.Writer, reports []RaceReport, opts FormatOptions) error {
	for i := range reports {
		if _, err := io.WriteString(w, reports[i].Format(opts)); err != nil {
			return err
		}
	}
	return nil
}
