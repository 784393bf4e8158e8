package walker

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Ruleset implements the three-layer exclusion policy spec §4.7 calls for:
// global patterns apply everywhere; a recursive exclude file is read in
// each directory and its patterns are pushed down to every descendant; a
// local exclude file's patterns apply only to the directory that declares
// them. Grounded on the original client's loadExcludeFile/getDirContents
// split between "excludes" (pushed down) and "localExcludes" (not).
type Ruleset struct {
	Global []string

	// RecursiveFile and LocalFile name the per-directory files holding
	// additional glob patterns, one per line, '#'-prefixed lines ignored.
	RecursiveFile string
	LocalFile     string

	CVSDefaults      bool
	CacheDirTagCheck bool
	CrossDeviceStop  bool
}

// cvsDefaultExcludes is the historical CVS/RCS ignore list (spec §4.7
// "optional CVS-style defaults"), carried over from the original client's
// cvsExcludes constant.
var cvsDefaultExcludes = []string{
	"RCS", "SCCS", "CVS", "CVS.adm", "RCSLOG", "cvslog.*", "tags", "TAGS",
	".make.state", ".nse_depinfo", "*~", "#*", ".#*", ",*", "_$*", "*$",
	"*.old", "*.bak", "*.BAK", "*.orig", "*.rej", ".del-*", "*.a", "*.olb",
	"*.o", "*.obj", "*.so", "*.exe", "*.Z", "*.elc", "*.ln", "core",
	".*.swp", ".*.swo", ".svn", ".git", ".hg", ".bzr",
}

// cacheDirTagSignature is the standard Cache Directory Tagging marker
// (spec §4.7 "optional cache-directory tag detection").
const cacheDirTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// excluded reports whether name should be skipped, given the recursive and
// local pattern sets accumulated for its containing directory.
func (r *Ruleset) excluded(name string, recursive, local []string) bool {
	if r.RecursiveFile != "" && name == r.RecursiveFile {
		return true
	}
	if r.LocalFile != "" && name == r.LocalFile {
		return true
	}
	if r.CVSDefaults && matchAny(cvsDefaultExcludes, name) {
		return true
	}
	return matchAny(r.Global, name) || matchAny(recursive, name) || matchAny(local, name)
}

// loadPatternFile reads newline-separated glob patterns from path, one per
// line, blank lines and '#' comments ignored. A missing file is not an
// error: most directories simply won't declare one.
func loadPatternFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// hasValidCacheDirTag reports whether dir contains a CACHEDIR.TAG file
// whose first line starts with the standard signature.
func hasValidCacheDirTag(dir string) bool {
	f, err := os.Open(filepath.Join(dir, "CACHEDIR.TAG"))
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	return scanner.Scan() && strings.HasPrefix(scanner.Text(), cacheDirTagSignature)
}
