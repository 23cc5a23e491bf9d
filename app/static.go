package flock

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// StaticFS serves a built web client. Files get an etag and, when they match
// one of the configured globs, a Cache-Control header. Unknown paths fall
// back to a single file so client side routes resolve.
type StaticFS struct {
	http.FileSystem
	etags map[string]string
	// file path to Cache-Control value
	cacheControl map[string]string
	fallbackFile string
}

// DefaultCacheControl caches fingerprinted assets forever and revalidates
// everything else.
var DefaultCacheControl = map[string]string{
	"assets/*": "public, max-age=31536000, immutable",
	"*.html":   "no-cache",
}

// Open returns the file if found. Otherwise, it returns the fallback file.
func (s StaticFS) Open(name string) (http.File, error) {
	f, err := s.FileSystem.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.FileSystem.Open("/" + s.fallbackFile)
		}
		return nil, err
	}
	return f, nil
}

func NewStaticFS(fsys fs.FS, fallback string, cacheControl map[string]string) (*StaticFS, error) {
	if _, err := fs.Stat(fsys, fallback); err != nil {
		return nil, fmt.Errorf("fallback file %s: %w", fallback, err)
	}

	etags, err := calculateEtags(fsys)
	if err != nil {
		return nil, fmt.Errorf("calculating etags: %w", err)
	}
	cc, err := expandCacheControl(fsys, cacheControl)
	if err != nil {
		return nil, fmt.Errorf("expanding cache control paths: %w", err)
	}

	return &StaticFS{FileSystem: http.FS(fsys), etags: etags, cacheControl: cc, fallbackFile: fallback}, nil
}

func calculateEtags(fsys fs.FS) (map[string]string, error) {
	etags := make(map[string]string)
	return etags, fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", p, err)
		}
		defer f.Close()
		hasher := sha1.New()
		if _, err := io.Copy(hasher, f); err != nil {
			return fmt.Errorf("hashing %s: %w", p, err)
		}
		etags[p] = fmt.Sprintf(`"%x"`, hasher.Sum(nil))
		return nil
	})
}

func expandCacheControl(fsys fs.FS, cacheControl map[string]string) (map[string]string, error) {
	expanded := make(map[string]string)
	return expanded, fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		for glob, cc := range cacheControl {
			matched, err := path.Match(glob, p)
			if err != nil {
				return fmt.Errorf("matching %s: %w", p, err)
			}
			if matched {
				expanded[p] = cc
				return nil
			}
		}
		return nil
	})
}

func (s StaticFS) EtagMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := strings.TrimPrefix(r.URL.Path, "/")
			if _, ok := s.etags[p]; !ok {
				p = s.fallbackFile
			}

			etag, ok := s.etags[p]
			if ok {
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}
				w.Header().Set("Etag", etag)
				if cc, ok := s.cacheControl[p]; ok {
					w.Header().Set("Cache-Control", cc)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
