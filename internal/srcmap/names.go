package srcmap

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// DisplayName returns the human readable form of a symbol. Itanium C++
// names are demangled; anything else is returned unchanged.
func DisplayName(sym string) string {
	return demangle.Filter(sym)
}

// BaseName returns the unqualified function name of a symbol without its
// parameter list: _ZN3foo3barEv and foo::bar both yield "bar".
func BaseName(sym string) string {
	name := demangle.Filter(sym, demangle.NoParams)
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	return name
}
