// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

// VerifyIntegrity checks the database for structural corruption before the
// runtime starts claiming queues. Mode is "quick" (PRAGMA quick_check) or
// "full" (PRAGMA integrity_check). A nil, nil return means healthy;
// otherwise the diagnostic rows are returned.
func VerifyIntegrity(path string, mode string) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for verification: %w", err)
	}
	defer db.Close()

	pragma := "PRAGMA quick_check;"
	if mode == "full" {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.Query(pragma)
	if err != nil {
		// Severe corruption can abort the pragma itself; that is a positive
		// detection, not a system failure.
		if isCorruptionError(err) {
			return []string{err.Error()}, nil
		}
		return nil, fmt.Errorf("integrity pragma failed: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("failed to scan integrity result row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		if isCorruptionError(err) {
			return append(results, err.Error()), nil
		}
		return nil, err
	}

	// Success is exactly one row containing "ok".
	if len(results) == 1 && strings.ToLower(results[0]) == "ok" {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}

// isCorruptionError reports whether err is the driver telling us the file is
// damaged (SQLITE_CORRUPT, SQLITE_NOTADB) rather than an IO or access
// failure.
func isCorruptionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "corrupt")
}
