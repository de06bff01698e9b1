// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for
// security-critical operations.
//
// This package contains validators for user-provided identifiers that end
// up in storage keys and log lines. Using these validators keeps control
// bytes and path separators out of the keyspace.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds series and formula names.
const MaxNameLength = 256

// namePattern matches valid series and formula names: word characters,
// dots, hyphens and colons, with a word character first. Colons follow the
// convention of namespaced names like "rates:usd:overnight".
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]*$`)

// ValidateName validates a series or formula name.
//
// Valid names:
//   - 1-256 characters
//   - letters, digits, underscores, dots, hyphens, colons
//   - first character a letter, digit or underscore
//
// Example:
//
//	if err := validation.ValidateName(name); err != nil {
//	    return fmt.Errorf("invalid series name: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name too long: %d characters (max %d)", len(name), MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q (letters, digits, '_', '.', ':' and '-' only)", name)
	}
	return nil
}

// ValidateNames validates multiple names, listing every invalid one.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %v", invalid)
	}
	return nil
}

// SanitizeName trims surrounding whitespace and validates the result.
func SanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidateName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
