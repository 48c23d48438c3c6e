// Package lists reads the shared stock-list directory. The directory lives
// on the network share and is consumed in place, never cached locally. List
// files are semicolon-separated and Latin-1 encoded, as produced by the
// upstream export.
package lists

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Entry is one row of a stock list: a ticker with an optional display name.
type Entry struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name,omitempty"`
}

// Available returns the list file names in dir, sorted. Subdirectories and
// hidden files are skipped.
func Available(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read list directory: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read parses one list file from dir. The name must be a bare filename; a
// path escaping the list directory is rejected.
func Read(dir, name string) ([]Entry, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid list name %q", name)
	}

	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("open list: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(file))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ";")
		entry := Entry{Ticker: strings.TrimSpace(fields[0])}
		if entry.Ticker == "" {
			continue
		}
		if len(fields) > 1 {
			entry.Name = strings.TrimSpace(fields[1])
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	return entries, nil
}
