// Package coverage detects lane overlaps and uncovered code files. Overlap
// uses github.com/yashtewari/glob-intersection to decide, for every
// unordered lane pair, whether their glob patterns can match a common
// string, then github.com/gobwas/glob to enumerate concrete evidence files
// on disk.
package coverage

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	gintersect "github.com/yashtewari/glob-intersection"

	"github.com/hellmai/lumenflow/internal/lanes"
)

// codeExtensions are the file extensions considered "code" for the
// uncovered-file check.
var codeExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rb": true, ".java": true, ".rs": true, ".c": true,
	".cc": true, ".cpp": true, ".h": true, ".hpp": true,
}

// Overlap describes a detected overlap between two lanes.
type Overlap struct {
	Lanes   [2]string
	Pattern string
	Files   []string
}

// Report is the result of an overlap + coverage pass.
type Report struct {
	Overlaps []Overlap
	Uncovered []string
	Healthy   bool
}

// Analyse runs the overlap and coverage checks over registry against the
// repository rooted at repoRoot.
func Analyse(registry *lanes.Registry, repoRoot string) (*Report, error) {
	all := registry.All()
	report := &Report{Healthy: true}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			for _, pa := range a.Globs {
				for _, pb := range b.Globs {
					if !patternsIntersect(pa, pb) {
						continue
					}
					files, err := enumerateMatches(repoRoot, pa, pb)
					if err != nil {
						return nil, err
					}
					if len(files) == 0 {
						continue
					}
					report.Healthy = false
					names := [2]string{a.Name, b.Name}
					sort.Strings(names[:])
					report.Overlaps = append(report.Overlaps, Overlap{
						Lanes:   names,
						Pattern: pa + " <-> " + pb,
						Files:   files,
					})
				}
			}
		}
	}

	uncovered, err := findUncovered(registry, repoRoot)
	if err != nil {
		return nil, err
	}
	if len(uncovered) > 0 {
		report.Healthy = false
		report.Uncovered = uncovered
	}
	return report, nil
}

// patternsIntersect reports whether two glob patterns can match a common
// string, using glob-intersection's automaton-based check.
func patternsIntersect(a, b string) bool {
	ok, err := gintersect.NonEmpty(a, b)
	if err != nil {
		// A pattern the intersection library can't parse (e.g. an
		// unsupported glob extension) is treated conservatively as a
		// possible overlap; enumerateMatches decides with real paths.
		return true
	}
	return ok
}

func enumerateMatches(repoRoot, patternA, patternB string) ([]string, error) {
	ga, err := glob.Compile(patternA, '/')
	if err != nil {
		return nil, nil
	}
	gb, err := glob.Compile(patternB, '/')
	if err != nil {
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == ".lumenflow" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ga.Match(rel) && gb.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func findUncovered(registry *lanes.Registry, repoRoot string) ([]string, error) {
	lanesAll := registry.All()
	var uncovered []string
	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == ".lumenflow" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !codeExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, lane := range lanesAll {
			if lane.Matches(rel) {
				return nil
			}
		}
		uncovered = append(uncovered, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uncovered, nil
}
