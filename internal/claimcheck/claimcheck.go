// Package claimcheck scans declared acceptance claims in WU specs against
// the live codebase, via glob-based source enumeration and line-level
// pattern checks. Every violation is collected before reporting rather than
// failing on the first.
//
// Acceptance claims use a small explicit DSL line format:
//
//	<claim-id>: glob=<glob> pattern=<regexp> forbid=<true|false> — <description>
//
// forbid=true means no matching file may contain a line matching pattern;
// forbid=false means every matching file must contain at least one line
// matching pattern. The forbid field is required; a line without it is not
// a structured claim.
package claimcheck

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Claim is one parsed acceptance claim.
type Claim struct {
	ID          string
	Glob        string
	Pattern     *regexp.Regexp
	Forbid      bool
	Description string
}

var claimLine = regexp.MustCompile(`^([\w.-]+):\s*glob=(\S+)\s+pattern=(.+?)\s+forbid=(true|false)\s*(?:—|--)?\s*(.*)$`)

// ParseClaim parses one acceptance-claim line. Lines not matching the DSL
// are returned as a nil Claim with a non-nil error so callers can decide
// whether to treat free-text claims as advisory (not enforceable).
func ParseClaim(line string) (*Claim, error) {
	m := claimLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, fmt.Errorf("claimcheck: %q is not a structured claim", line)
	}
	pattern, err := regexp.Compile(m[3])
	if err != nil {
		return nil, fmt.Errorf("claimcheck: claim %s: bad pattern: %w", m[1], err)
	}
	return &Claim{
		ID:          m[1],
		Glob:        m[2],
		Pattern:     pattern,
		Forbid:      m[4] == "true",
		Description: m[5],
	}, nil
}

// AllowDirective is a parsed `claim-validation:allow <claim-id> <glob>` line.
type AllowDirective struct {
	ClaimID string
	Glob    string
}

var allowLine = regexp.MustCompile(`^claim-validation:allow\s+(\S+)\s+(\S+)$`)

// ParseAllowDirectives scans every line of text for allowlist directives.
func ParseAllowDirectives(text string) []AllowDirective {
	var out []AllowDirective
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		m := allowLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m != nil {
			out = append(out, AllowDirective{ClaimID: m[1], Glob: m[2]})
		}
	}
	return out
}

// Evidence is one concrete location supporting a violation.
type Evidence struct {
	File string
	Line int
	Text string
}

// Violation is a claim that was contradicted by the live codebase.
type Violation struct {
	ClaimID     string
	Claim       Claim
	Evidence    []Evidence
	Remediation string
}

// Check scans repoRoot for violations of claims, honouring allow.
func Check(repoRoot string, claims []Claim, allow []AllowDirective) ([]Violation, error) {
	allowed := map[string][]glob.Glob{}
	for _, a := range allow {
		g, err := glob.Compile(a.Glob, '/')
		if err != nil {
			continue
		}
		allowed[a.ClaimID] = append(allowed[a.ClaimID], g)
	}

	var violations []Violation
	for _, claim := range claims {
		g, err := glob.Compile(claim.Glob, '/')
		if err != nil {
			return nil, fmt.Errorf("claimcheck: claim %s: bad glob %q: %w", claim.ID, claim.Glob, err)
		}
		v, err := checkOne(repoRoot, claim, g, allowed[claim.ID])
		if err != nil {
			return nil, err
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}
	return violations, nil
}

func checkOne(repoRoot string, claim Claim, matcher glob.Glob, allowed []glob.Glob) (*Violation, error) {
	var evidence []Evidence
	var matchedAnyFile bool

	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
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
		if !matcher.Match(rel) {
			return nil
		}
		for _, a := range allowed {
			if a.Match(rel) {
				return nil
			}
		}
		matchedAnyFile = true

		found, lines, err := scanFile(path, claim.Pattern)
		if err != nil {
			return nil
		}
		if claim.Forbid && found {
			for _, l := range lines {
				evidence = append(evidence, Evidence{File: rel, Line: l.line, Text: l.text})
			}
		}
		if !claim.Forbid && found {
			// satisfied for this file; nothing to record
		}
		if !claim.Forbid && !found {
			evidence = append(evidence, Evidence{File: rel, Line: 0, Text: "no matching line found"})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !matchedAnyFile || len(evidence) == 0 {
		return nil, nil
	}
	return &Violation{
		ClaimID:     claim.ID,
		Claim:       claim,
		Evidence:    evidence,
		Remediation: remediationHint(claim),
	}, nil
}

type matchedLine struct {
	line int
	text string
}

func scanFile(path string, pattern *regexp.Regexp) (bool, []matchedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, err
	}
	defer f.Close()

	var lines []matchedLine
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if pattern.MatchString(text) {
			found = true
			lines = append(lines, matchedLine{line: lineNo, text: strings.TrimSpace(text)})
		}
	}
	return found, lines, scanner.Err()
}

func remediationHint(claim Claim) string {
	if claim.Forbid {
		return fmt.Sprintf("remove or refactor lines matching %q under %s", claim.Pattern.String(), claim.Glob)
	}
	return fmt.Sprintf("every file under %s must contain a line matching %q, or add an allowlist directive", claim.Glob, claim.Pattern.String())
}
