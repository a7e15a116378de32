// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command chmextract copies units out of a CHM archive onto disk,
// optionally filtered by a glob pattern, preserving the archive's internal
// directory structure under the destination directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/elliotnunn/chmhelp/internal/chm"
)

var (
	pattern = flag.String("glob", "**", "extract only units whose name matches this doublestar glob")
	destDir = flag.String("dest", ".", "destination directory")
	verbose = flag.Bool("v", false, "print each extracted name")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chmextract [-glob PATTERN] [-dest DIR] archive.chm")
		os.Exit(2)
	}

	a, err := chm.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	extracted := 0
	err = a.ContentFiles(func(u chm.Unit) error {
		matched, err := doublestar.Match(*pattern, strings.TrimPrefix(u.Name, "/"))
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}
		if err := extractOne(a, u); err != nil {
			return fmt.Errorf("%s: %w", u.Name, err)
		}
		extracted++
		return nil
	})
	if err != nil {
		log.Fatalf("extract: %v", err)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "extracted %d units\n", extracted)
	}
}

func extractOne(a *chm.Archive, u chm.Unit) error {
	rel := filepath.FromSlash(strings.TrimPrefix(u.Name, "/"))
	dst := filepath.Join(*destDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	data, err := a.Retrieve(u)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintln(os.Stderr, dst)
	}
	return nil
}
