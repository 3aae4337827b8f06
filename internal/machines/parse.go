// Package machines maintains the live Machine registry: parsing the
// machine-list file, reloading it on change, and tracking per-machine health
// with circuit breakers (§4.4).
package machines

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Entry is one parsed line of the machine-list file, whose fields are
// separated by ';': storeURI ; systemTypes ; sshKey ; maxJobs ; speedFactor ;
// supportedFeatures ; mandatoryFeatures (list fields are comma-separated).
// Whitespace does not separate fields: a line without ';' is a single field
// and is rejected.
// sshKey is accepted for format compatibility and otherwise ignored (key
// lookup belongs to the remote store transport, not the registry).
type Entry struct {
	StoreURI          string
	SystemTypes       []string
	MaxJobs           int
	SpeedFactor       float64
	SupportedFeatures []string
	MandatoryFeatures []string
}

// ParseFile parses a machine-list file, skipping blank lines and lines
// starting with '#'.
func ParseFile(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, xerrors.Errorf("machines file line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading machines file: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Split(line, ";")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 2 || fields[0] == "" {
		return Entry{}, xerrors.Errorf("expected at least storeURI;systemTypes, got %q", line)
	}

	e := Entry{
		StoreURI:    fields[0],
		SystemTypes: splitComma(fields[1]),
		MaxJobs:     1,
		SpeedFactor: 1,
	}
	if len(fields) > 3 && fields[3] != "" {
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return Entry{}, xerrors.Errorf("maxJobs: %w", err)
		}
		e.MaxJobs = n
	}
	if len(fields) > 4 && fields[4] != "" {
		f, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return Entry{}, xerrors.Errorf("speedFactor: %w", err)
		}
		e.SpeedFactor = f
	}
	if len(fields) > 5 {
		e.SupportedFeatures = splitComma(fields[5])
	}
	if len(fields) > 6 {
		e.MandatoryFeatures = splitComma(fields[6])
	}
	return e, nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
