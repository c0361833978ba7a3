// Package archive implements the gzip-compressed tar format used to move
// files in and out of sandboxes. Packing is plain; unpacking applies
// per-member safety checks (absolute names, traversal segments, link
// targets, containment) and skips offending members instead of aborting
// the whole transfer.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/noxrunner/noxrunner/internal/security"
)

// defaultMaxMembers bounds unpack work against pathological archives.
const defaultMaxMembers = 10000

// RejectReason classifies why a member was skipped during unpack.
type RejectReason string

const (
	ReasonAbsolute   RejectReason = "absolute_path"
	ReasonTraversal  RejectReason = "traversal_segment"
	ReasonEscape     RejectReason = "escapes_destination"
	ReasonLinkTarget RejectReason = "unsafe_link_target"
	ReasonBoundary   RejectReason = "escapes_boundary"
	ReasonTooMany    RejectReason = "member_limit"
	ReasonWriteError RejectReason = "write_error"
)

// MemberOutcome records the per-member unpack decision.
type MemberOutcome struct {
	Name     string
	Accepted bool
	Reason   RejectReason // empty when accepted
}

// Report is the result of an unpack: one outcome per non-directory member
// plus the count of files actually written. It lets callers distinguish
// "nothing to extract" from "everything was rejected".
type Report struct {
	Members []MemberOutcome
	Written int
}

func (r *Report) accept(name string) {
	r.Members = append(r.Members, MemberOutcome{Name: name, Accepted: true})
	r.Written++
}

func (r *Report) reject(name string, reason RejectReason) {
	r.Members = append(r.Members, MemberOutcome{Name: name, Reason: reason})
}

// UnpackOptions tunes a single unpack call.
type UnpackOptions struct {
	// AllowAbsolute permits members whose names start with a path
	// separator. Off by default.
	AllowAbsolute bool

	// Boundary, when non-empty, is an additional containment root: every
	// resolved destination must also stay under it. The registry passes
	// the sandbox root here so a crafted dest cannot widen the jail.
	Boundary string
}

// Codec packs and unpacks sandbox file transfers.
type Codec struct {
	// MaxMembers caps how many members a single unpack will consider.
	// Members past the cap are reported as rejected.
	MaxMembers int

	logger *slog.Logger
}

// NewCodec creates a codec with the default member cap.
func NewCodec(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{MaxMembers: defaultMaxMembers, logger: logger}
}

// Pack builds a gzip-compressed tar archive from a map of relative path to
// content. Member order is deterministic (sorted by name).
func (c *Codec) Pack(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing header for %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("writing content for %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// PackDir archives the filesystem subtree at dir, naming each member by its
// path relative to src. A single regular file is archived under its
// basename.
func (c *Codec) PackDir(dir, src string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", dir, err)
	}

	files := make(map[string][]byte)
	if info.Mode().IsRegular() {
		content, err := os.ReadFile(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		files[filepath.Base(dir)] = content
		return c.Pack(files)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return c.Pack(files)
}

// Unpack extracts blob into dest, applying the per-member safety checks.
// A rejected member is skipped and recorded in the report; only a corrupt
// archive or an unusable destination fails the whole call. An empty blob
// yields an empty report.
func (c *Codec) Unpack(blob []byte, dest string, opts UnpackOptions) (*Report, error) {
	report := &Report{}
	if len(blob) == 0 {
		return report, nil
	}

	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, fmt.Errorf("creating destination %s: %w", dest, err)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)

	maxMembers := c.MaxMembers
	if maxMembers <= 0 {
		maxMembers = defaultMaxMembers
	}

	seen := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, fmt.Errorf("reading archive: %w", err)
		}

		// Directories are created implicitly for accepted files.
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		seen++
		if seen > maxMembers {
			report.reject(hdr.Name, ReasonTooMany)
			continue
		}

		if reason, ok := c.checkMember(hdr, dest, opts); !ok {
			c.logger.Warn("skipping unsafe archive member",
				slog.String("member", hdr.Name),
				slog.String("reason", string(reason)),
			)
			report.reject(hdr.Name, reason)
			continue
		}

		if err := writeMember(tr, hdr, dest); err != nil {
			c.logger.Warn("failed to write archive member",
				slog.String("member", hdr.Name),
				slog.String("error", err.Error()),
			)
			report.reject(hdr.Name, ReasonWriteError)
			continue
		}
		report.accept(hdr.Name)
	}

	return report, nil
}

// checkMember applies, in order, all safety checks for one member.
func (c *Codec) checkMember(hdr *tar.Header, dest string, opts UnpackOptions) (RejectReason, bool) {
	name := hdr.Name

	if !opts.AllowAbsolute && strings.HasPrefix(name, "/") {
		return ReasonAbsolute, false
	}
	if hasTraversal(name) {
		return ReasonTraversal, false
	}

	target := filepath.Join(dest, filepath.FromSlash(name))
	if !security.EnsureContained(target, dest) {
		return ReasonEscape, false
	}

	// Link members: the target is subjected to the same absolute/traversal
	// checks as the member name.
	if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
		if strings.HasPrefix(hdr.Linkname, "/") {
			return ReasonLinkTarget, false
		}
		if hasTraversal(hdr.Linkname) {
			return ReasonLinkTarget, false
		}
	}

	if opts.Boundary != "" && !security.EnsureContained(target, opts.Boundary) {
		return ReasonBoundary, false
	}

	return "", true
}

// hasTraversal reports whether any slash-separated segment of name is a
// literal parent reference, after normalizing both slash styles.
func hasTraversal(name string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// writeMember materializes one accepted member under dest.
func writeMember(tr *tar.Reader, hdr *tar.Header, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		return os.Link(filepath.Join(dest, filepath.FromSlash(hdr.Linkname)), target)
	default:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}
