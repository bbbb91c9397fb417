package wu

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// StampError enumerates the stamp-format validator's error codes.
type StampError string

const (
	EmptyFile             StampError = "EMPTY_FILE"
	MissingWULine         StampError = "MISSING_WU_LINE"
	MissingCompletedLine  StampError = "MISSING_COMPLETED_LINE"
	InvalidDateFormat     StampError = "INVALID_DATE_FORMAT"
	WUIDMismatch          StampError = "WU_ID_MISMATCH"
)

var stampWULine = regexp.MustCompile(`^WU (WU-\d+) — (.+)$`)
var stampCompletedLine = regexp.MustCompile(`^Completed: (\d{4}-\d{2}-\d{2})$`)

// StampContent is the parsed body of a completion stamp.
type StampContent struct {
	WUID          string
	Title         string
	CompletedDate string
}

// CreateStampResult reports the outcome of CreateStamp.
type CreateStampResult struct {
	Created bool
	Reason  string
}

// CreateStamp writes <stampsDir>/<id>.done. Idempotent: if the file already
// exists, it is left untouched and Reason is "already_exists".
func CreateStamp(stampsDir, id, title string, completedAt time.Time) (CreateStampResult, error) {
	path := filepath.Join(stampsDir, id+".done")
	if _, err := os.Stat(path); err == nil {
		return CreateStampResult{Created: false, Reason: "already_exists"}, nil
	}
	if err := os.MkdirAll(stampsDir, 0o755); err != nil {
		return CreateStampResult{}, fmt.Errorf("wu: ensure stamps dir: %w", err)
	}
	body := fmt.Sprintf("WU %s — %s\nCompleted: %s\n", id, title, completedAt.Format("2006-01-02"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return CreateStampResult{}, fmt.Errorf("wu: write stamp: %w", err)
	}
	return CreateStampResult{Created: true}, nil
}

// StampExists reports whether a completion stamp exists for id.
func StampExists(stampsDir, id string) bool {
	_, err := os.Stat(filepath.Join(stampsDir, id+".done"))
	return err == nil
}

// RemoveStamp deletes a completion stamp, if any.
func RemoveStamp(stampsDir, id string) error {
	err := os.Remove(filepath.Join(stampsDir, id+".done"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wu: remove stamp: %w", err)
	}
	return nil
}

// ValidateStampFormat re-reads a stamp file and checks it against the
// two-line stamp format, returning every violation found.
func ValidateStampFormat(stampsDir, id string) (bool, []StampError) {
	data, err := os.ReadFile(filepath.Join(stampsDir, id+".done"))
	if err != nil || len(data) == 0 {
		return false, []StampError{EmptyFile}
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var errs []StampError

	if len(lines) < 1 || !stampWULine.MatchString(lines[0]) {
		errs = append(errs, MissingWULine)
	} else {
		m := stampWULine.FindStringSubmatch(lines[0])
		if m[1] != id {
			errs = append(errs, WUIDMismatch)
		}
	}

	if len(lines) < 2 || !stampCompletedLine.MatchString(lines[1]) {
		errs = append(errs, MissingCompletedLine)
	} else {
		m := stampCompletedLine.FindStringSubmatch(lines[1])
		if _, err := time.Parse("2006-01-02", m[1]); err != nil {
			errs = append(errs, InvalidDateFormat)
		}
	}

	return len(errs) == 0, errs
}

// ParseStampContent extracts the WU id, title, and completed date from a
// stamp file's body.
func ParseStampContent(stampsDir, id string) (*StampContent, error) {
	data, err := os.ReadFile(filepath.Join(stampsDir, id+".done"))
	if err != nil {
		return nil, fmt.Errorf("wu: read stamp: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("wu: stamp %s is malformed", id)
	}
	wuMatch := stampWULine.FindStringSubmatch(lines[0])
	completedMatch := stampCompletedLine.FindStringSubmatch(lines[1])
	if wuMatch == nil || completedMatch == nil {
		return nil, fmt.Errorf("wu: stamp %s is malformed", id)
	}
	return &StampContent{
		WUID:          wuMatch[1],
		Title:         wuMatch[2],
		CompletedDate: completedMatch[1],
	}, nil
}
