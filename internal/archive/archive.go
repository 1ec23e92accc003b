// Package archive assembles collection bundles: per-model .tar.gz files
// whose member names encode what was collected, from where, and when.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// TimeFormat renders the run timestamp embedded in bundle and member names.
const TimeFormat = "2006-01-02-15-04-05"

// sep joins the fields of bundle and member names. Downstream tooling
// splits on it, so it must never appear inside a field.
const sep = "_@_"

// BundleName returns the file name for one model's collection bundle.
func BundleName(customer, site, model string, ts time.Time) string {
	return fmt.Sprintf("%s%s%s%s%s%s%s.tar.gz",
		customer, sep, site, sep, model, sep, ts.UTC().Format(TimeFormat))
}

// MemberName returns the in-bundle name for one payload. prefix identifies
// the payload kind (dpkg, snap, kernel, juju_status, juju_bundle) and
// identity the host or model it came from.
func MemberName(prefix, identity string, ts time.Time) string {
	return fmt.Sprintf("%s%s%s%s%s",
		prefix, sep, identity, sep, ts.UTC().Format(TimeFormat))
}

// Member is one file inside a bundle.
type Member struct {
	Name    string
	Body    []byte
	ModTime time.Time
}

// Builder accumulates members and writes them out as a single .tar.gz
// bundle. Member names identify payloads, so duplicates are rejected at
// Add time rather than silently shadowing each other in the archive.
type Builder struct {
	members []Member
	seen    map[string]bool
}

func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]bool)}
}

// Add appends one member to the bundle.
func (b *Builder) Add(name string, body []byte, modTime time.Time) error {
	if name == "" {
		return fmt.Errorf("member name is empty")
	}
	if b.seen[name] {
		return fmt.Errorf("member %q already added", name)
	}
	b.seen[name] = true
	b.members = append(b.members, Member{Name: name, Body: body, ModTime: modTime})
	return nil
}

// Len returns the number of members added so far.
func (b *Builder) Len() int {
	return len(b.members)
}

// Size returns the total uncompressed payload bytes added so far.
func (b *Builder) Size() int64 {
	var n int64
	for _, m := range b.members {
		n += int64(len(m.Body))
	}
	return n
}

// WriteFile writes the bundle to dir/name through a temp file and rename,
// so a consumer watching dir never observes a partial bundle. It returns
// the final path.
func (b *Builder) WriteFile(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".bundle-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temp bundle: %w", err)
	}
	tmpName := tmp.Name()

	err = b.encode(tmp)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place bundle: %w", err)
	}
	return path, nil
}

func (b *Builder) encode(w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	for _, m := range b.members {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     m.Name,
			Mode:     0o644,
			Size:     int64(len(m.Body)),
			ModTime:  m.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %q: %w", m.Name, err)
		}
		if _, err := tw.Write(m.Body); err != nil {
			return fmt.Errorf("failed to write member %q: %w", m.Name, err)
		}
	}

	err := tw.Close()
	closeErr := gw.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return nil
}
