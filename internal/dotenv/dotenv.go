// Package dotenv fills the process environment from local env files.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Load reads KEY=VALUE pairs from the first path that exists and sets each
// key that is not already present in the environment. Missing files are not
// an error; a process configured entirely through the real environment needs
// no env file at all.
func Load(paths ...string) error {
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("open env file %q: %w", path, err)
		}
		err = apply(file, path)
		file.Close()
		return err
	}
	return nil
}

func apply(file *os.File, path string) error {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, val, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file %q: %w", path, err)
	}
	return nil
}

// parseLine splits one dotenv line into a key/value pair. Blank lines,
// comments, and lines without a key are skipped. A leading "export " and
// single or double quotes around the value are stripped.
func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}

	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		switch {
		case strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`),
			strings.HasPrefix(val, "'") && strings.HasSuffix(val, "'"):
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}
