package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// DTCInfo is one database row.
type DTCInfo struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
	System      string `json:"system"`
}

// UnknownDTC is returned for codes missing from the database.
var UnknownDTC = DTCInfo{Description: "Unknown DTC", Severity: 3, System: "Unknown"}

// Database maps DTC codes to descriptions.
type Database struct {
	entries map[string]DTCInfo
}

// LoadDatabase reads a `code|description|severity|system` file.
func LoadDatabase(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diag: open DTC database: %w: %w", obd.ErrConfig, err)
	}
	defer f.Close()
	db, err := ParseDatabase(f)
	if err != nil {
		return nil, fmt.Errorf("diag: %s: %w", path, err)
	}
	return db, nil
}

// ParseDatabase reads database lines from r. Blank and #-prefixed lines
// are skipped; missing trailing fields take the unknown defaults.
func ParseDatabase(r io.Reader) (*Database, error) {
	db := &Database{entries: make(map[string]DTCInfo)}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		info := UnknownDTC
		info.Code = strings.ToUpper(strings.TrimSpace(parts[0]))
		if info.Code == "" {
			continue
		}
		if len(parts) > 1 {
			info.Description = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			sev, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: severity %q: %w", lineNo, parts[2], obd.ErrConfig)
			}
			info.Severity = sev
		}
		if len(parts) > 3 {
			info.System = strings.TrimSpace(parts[3])
		}
		db.entries[info.Code] = info
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// Lookup returns the entry for code, or UnknownDTC.
func (db *Database) Lookup(code string) (DTCInfo, bool) {
	if db != nil {
		if info, ok := db.entries[strings.ToUpper(code)]; ok {
			return info, true
		}
	}
	info := UnknownDTC
	info.Code = code
	return info, false
}

func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return len(db.entries)
}
