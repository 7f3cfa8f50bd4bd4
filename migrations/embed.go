// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the numbered SQL files applied by the schema
// bootstrap. Files are named NNNN_description.sql and applied in name order.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name string
	SQL  string
}

func Ordered() ([]File, error) {
	return load(embeddedFiles)
}

func load(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if !hasNumericPrefix(name) {
			return nil, fmt.Errorf("migration %s: name must start with a numeric prefix", name)
		}

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}

		files = append(files, File{Name: name, SQL: string(body)})
	}

	slices.SortFunc(files, func(a, b File) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

func hasNumericPrefix(name string) bool {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok || prefix == "" {
		return false
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
