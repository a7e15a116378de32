// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command chmls lists the units inside a CHM archive, optionally filtered
// by a glob pattern.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/elliotnunn/chmhelp/internal/chm"
)

var (
	pattern = flag.String("glob", "", "list only units whose name matches this doublestar glob")
	content = flag.Bool("content", false, "list only content files, excluding /#... and /$... metadata units")
	long    = flag.Bool("l", false, "show section and length alongside each name")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chmls [-glob PATTERN] [-content] [-l] archive.chm")
		os.Exit(2)
	}

	a, err := chm.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	list := a.Enumerate
	if *content {
		list = a.ContentFiles
	}

	err = list(func(u chm.Unit) error {
		if *pattern != "" {
			matched, err := doublestar.Match(*pattern, u.Name)
			if err != nil {
				return err
			}
			if !matched {
				return nil
			}
		}
		if *long {
			fmt.Printf("%-8d %-8d %s\n", u.Section, u.Length, u.Name)
		} else {
			fmt.Println(u.Name)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("list: %v", err)
	}
}
