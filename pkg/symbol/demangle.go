package symbol

import "github.com/ianlancetaylor/demangle"

// demangleOptions keeps parameter lists out of the names so prefix predicates
// stay simple.
var demangleOptions = []demangle.Option{demangle.NoParams, demangle.NoClones}

// demangleName returns the demangled form of name, or name itself when it is
// not a recognized mangling.
func demangleName(name string) string {
	return demangle.Filter(name, demangleOptions...)
}
