package hotspot

import (
	"path/filepath"
	"strings"
)

// Category is one of the fixed sample-attribution buckets, plus any
// user-declared "extra" library category.
type Category string

const (
	CategoryBinary  Category = "binary"
	CategoryMPI     Category = "mpi"
	CategoryOpenMP  Category = "openmp"
	CategoryMath    Category = "math"
	CategorySystem  Category = "system"
	CategoryPthread Category = "pthread"
	CategoryIO      Category = "io"
	CategoryString  Category = "string"
	CategoryMemory  Category = "memory"
	CategoryOther   Category = "other"
)

// globMatch reports whether basename contains pattern as a substring.
// The pattern is wrapped in "*...*" for filepath.Match so a plain
// substring like "libmca_" matches "libmca_btl_sm.so".
func globMatch(pattern, basename string) bool {
	ok, err := filepath.Match("*"+pattern+"*", basename)
	return err == nil && ok
}

func matchesAny(patterns []string, basename string) bool {
	for _, p := range patterns {
		if globMatch(p, basename) {
			return true
		}
	}
	return false
}

var mpiPatterns = []string{
	"libmpi", "libmpi_usempi.so", "libopen-rte.so", "libmca_", "mca_",
	"libpami.so", "libpsm_infinipath.so", "libopen-pal.so",
}

var openmpPatterns = []string{"libiomp5.", "libcraymp", "libgomp"}

var mathPatterns = []string{
	"libmkl_", "libm.", "libm-", "libcraymath", "libblas", "libimf.",
	"libquadmath.", "libfft",
}

var memoryLibPatterns = []string{"libtcmalloc_minimal"}

var libcFamilyPatterns = []string{"libdl", "libc-", "libc.", "ld-", "ld-linux."}

var pthreadPatterns = []string{"libpthread-"}

// libcSubcategory classifies a libc/ld function name into io/string/memory;
// anything not listed stays system.
var libcSubcategory = map[string]Category{
	"read": CategoryIO, "write": CategoryIO, "open": CategoryIO, "close": CategoryIO,
	"fopen": CategoryIO, "fclose": CategoryIO, "fread": CategoryIO, "fwrite": CategoryIO,
	"ioctl": CategoryIO, "poll": CategoryIO, "select": CategoryIO, "epoll_wait": CategoryIO,
	"connect": CategoryIO, "accept": CategoryIO, "send": CategoryIO, "recv": CategoryIO,
	"lseek": CategoryIO, "fsync": CategoryIO,

	"strcpy": CategoryString, "strncpy": CategoryString, "strcat": CategoryString,
	"strncat": CategoryString, "strcmp": CategoryString, "strncmp": CategoryString,
	"strlen": CategoryString, "strchr": CategoryString, "strstr": CategoryString,
	"strtok": CategoryString, "sprintf": CategoryString, "snprintf": CategoryString,
	"vsprintf": CategoryString,

	"malloc": CategoryMemory, "free": CategoryMemory, "calloc": CategoryMemory,
	"realloc": CategoryMemory, "memcpy": CategoryMemory, "memset": CategoryMemory,
	"memmove": CategoryMemory,
}

// classifyLibcFunction returns the libc sub-category for name (the bare
// symbol, not the library basename), defaulting to CategorySystem.
func classifyLibcFunction(name string) Category {
	if c, ok := libcSubcategory[name]; ok {
		return c
	}
	return CategorySystem
}

// classifyLibraryName matches a library basename against the fixed glob
// table. The MPI/OpenMP/pthread chain-refinement patterns are also
// checked separately by the caller against call-chain frames.
func classifyLibraryName(basename string) (Category, bool) {
	switch {
	case matchesAny(mpiPatterns, basename):
		return CategoryMPI, true
	case matchesAny(openmpPatterns, basename):
		return CategoryOpenMP, true
	case matchesAny(mathPatterns, basename):
		return CategoryMath, true
	case matchesAny(memoryLibPatterns, basename):
		return CategoryMemory, true
	case matchesAny(pthreadPatterns, basename):
		return CategoryPthread, true
	case matchesAny(libcFamilyPatterns, basename):
		return CategorySystem, true // refined to io/string/memory by the caller via classifyLibcFunction
	}
	return "", false
}

// classifyExecutableFunction categorizes a function resolved inside the
// executable by its name: MPI/PMI tokens within the first two characters
// (catching both "MPI_Send" and profiling shims like "PMPI_Send" or
// "_mpi_send"), OpenMP runtime prefixes, else plain binary code.
func classifyExecutableFunction(name string) Category {
	switch {
	case hasTokenNearStart(name, "MPI", "mpi", "PMI", "pmi"):
		return CategoryMPI
	case hasAnyPrefix(name, "__kmp", "kmp", "gomp", "GOMP", "mpcomp"):
		return CategoryOpenMP
	}
	return CategoryBinary
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// hasTokenNearStart reports whether any token occurs at index 0 or 1 of s.
func hasTokenNearStart(s string, tokens ...string) bool {
	for _, tok := range tokens {
		if i := strings.Index(s, tok); i == 0 || i == 1 {
			return true
		}
	}
	return false
}

// isChainRefinementLibrary reports whether basename matches the MPI,
// OpenMP, or pthread glob tables, the subset call chains are walked
// against when refining a library or kernel sample.
func isChainRefinementLibrary(basename string) (Category, bool) {
	switch {
	case matchesAny(mpiPatterns, basename):
		return CategoryMPI, true
	case matchesAny(openmpPatterns, basename):
		return CategoryOpenMP, true
	case matchesAny(pthreadPatterns, basename):
		return CategoryPthread, true
	}
	return "", false
}
