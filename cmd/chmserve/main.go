// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command chmserve serves the content files of a CHM archive over HTTP,
// mapping request paths directly onto archive unit names.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/elliotnunn/chmhelp/internal/chm"
)

var (
	addr      = flag.String("addr", "localhost:8080", "listen address")
	cacheDir  = flag.String("cache", "", "optional pebble on-disk cache directory for decompressed unit bytes")
	cacheSize = flag.Int64("cache-max-unit", 8<<20, "largest unit size (bytes) eligible for the response cache")
)

// server wires one open archive plus an optional persistent cache of its
// decompressed unit bytes, so repeated requests for the same unit don't
// replay the LZX reset-table walk after a restart. The in-process
// lzx.Reader already caches reset intervals for the life of the archive;
// this is the cross-restart layer on top of that.
type server struct {
	archive   *chm.Archive
	cache     *pebble.DB
	cacheName string // archive identity prefix for cache keys
}

func main() {
	log.SetFlags(0)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: chmserve [-addr HOST:PORT] [-cache DIR] archive.chm")
		return
	}
	path := flag.Arg(0)

	a, err := chm.Open(path)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	s := &server{archive: a, cacheName: filepath.Base(path)}
	if *cacheDir != "" {
		db, err := pebble.Open(*cacheDir, &pebble.Options{})
		if err != nil {
			log.Fatalf("open cache: %v", err)
		}
		defer db.Close()
		s.cache = db
	}

	log.Printf("serving %s on http://%s/", path, *addr)
	log.Fatal(http.ListenAndServe(*addr, s))
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	if name == "/" {
		name = "/index.html"
	}

	u, ok, err := s.archive.Resolve(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	if ext := filepath.Ext(u.Name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			w.Header().Set("Content-Type", ct+"; charset="+s.archive.Encoding())
		}
	}

	if s.cache != nil && u.Length <= uint64(*cacheSize) {
		s.serveCached(w, r, u)
		return
	}

	rs, err := s.archive.OpenUnit(u)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, u.Name, time.Time{}, rs)
}

func (s *server) serveCached(w http.ResponseWriter, r *http.Request, u chm.Unit) {
	key := []byte(fmt.Sprintf("%s\x00%d\x00%s", s.cacheName, u.Section, u.Name))

	if val, closer, err := s.cache.Get(key); err == nil {
		data := append([]byte(nil), val...)
		closer.Close()
		http.ServeContent(w, r, u.Name, time.Time{}, bytes.NewReader(data))
		return
	} else if !errors.Is(err, pebble.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := s.archive.Retrieve(u)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cache.Set(key, data, pebble.NoSync); err != nil {
		log.Printf("cache set %q: %v", u.Name, err)
	}
	http.ServeContent(w, r, u.Name, time.Time{}, bytes.NewReader(data))
}
