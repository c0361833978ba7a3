package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func testCodec() *Codec {
	return NewCodec(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// buildArchive crafts a gzip tar directly so tests can include members the
// codec's own Pack would never produce.
func buildArchive(t *testing.T, members []tar.Header, contents map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for i := range members {
		hdr := members[i]
		content := contents[hdr.Name]
		hdr.Size = int64(len(content))
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}
		if len(content) > 0 {
			if _, err := tw.Write(content); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPackUnpackRoundTrip(t *testing.T) {
	codec := testCodec()
	files := map[string][]byte{
		"a.txt":         []byte("hello"),
		"sub/b.bin":     {0x00, 0x01, 0xff},
		"sub/deep/c.py": []byte("print('hi')\n"),
	}

	blob, err := codec.Pack(files)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dest := t.TempDir()
	report, err := codec.Unpack(blob, dest, UnpackOptions{})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if report.Written != len(files) {
		t.Errorf("Written = %d, want %d", report.Written, len(files))
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("reading %s: %v", name, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: content = %q, want %q", name, got, want)
		}
	}
}

func TestPackDirRoundTrip(t *testing.T) {
	codec := testCodec()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "inner.txt"), []byte("inner"), 0644); err != nil {
		t.Fatal(err)
	}

	blob, err := codec.PackDir(src, src)
	if err != nil {
		t.Fatalf("PackDir: %v", err)
	}

	dest := t.TempDir()
	report, err := codec.Unpack(blob, dest, UnpackOptions{})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if report.Written != 2 {
		t.Errorf("Written = %d, want 2", report.Written)
	}
	got, err := os.ReadFile(filepath.Join(dest, "nested", "inner.txt"))
	if err != nil || string(got) != "inner" {
		t.Errorf("nested/inner.txt = %q, %v", got, err)
	}
}

func TestPackDirSingleFile(t *testing.T) {
	codec := testCodec()
	src := t.TempDir()
	file := filepath.Join(src, "only.txt")
	if err := os.WriteFile(file, []byte("solo"), 0644); err != nil {
		t.Fatal(err)
	}

	blob, err := codec.PackDir(file, src)
	if err != nil {
		t.Fatalf("PackDir: %v", err)
	}

	dest := t.TempDir()
	report, err := codec.Unpack(blob, dest, UnpackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Written != 1 {
		t.Fatalf("Written = %d, want 1", report.Written)
	}
	got, err := os.ReadFile(filepath.Join(dest, "only.txt"))
	if err != nil || string(got) != "solo" {
		t.Errorf("only.txt = %q, %v", got, err)
	}
}

func TestUnpackRejectsTraversalAndAbsolute(t *testing.T) {
	codec := testCodec()
	blob := buildArchive(t,
		[]tar.Header{
			{Name: "../../etc/passwd", Typeflag: tar.TypeReg},
			{Name: "/etc/shadow", Typeflag: tar.TypeReg},
			{Name: `..\..\evil.txt`, Typeflag: tar.TypeReg},
			{Name: "good.txt", Typeflag: tar.TypeReg},
		},
		map[string][]byte{
			"../../etc/passwd": []byte("pwned"),
			"/etc/shadow":      []byte("pwned"),
			`..\..\evil.txt`:   []byte("pwned"),
			"good.txt":         []byte("fine"),
		},
	)

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	report, err := codec.Unpack(blob, dest, UnpackOptions{})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if report.Written != 1 {
		t.Errorf("Written = %d, want 1 (only good.txt)", report.Written)
	}

	reasons := map[string]RejectReason{}
	for _, m := range report.Members {
		if !m.Accepted {
			reasons[m.Name] = m.Reason
		}
	}
	if reasons["../../etc/passwd"] != ReasonTraversal {
		t.Errorf("traversal member reason = %q, want %q", reasons["../../etc/passwd"], ReasonTraversal)
	}
	if reasons["/etc/shadow"] != ReasonAbsolute {
		t.Errorf("absolute member reason = %q, want %q", reasons["/etc/shadow"], ReasonAbsolute)
	}
	if reasons[`..\..\evil.txt`] != ReasonTraversal {
		t.Errorf("windows-style member reason = %q, want %q", reasons[`..\..\evil.txt`], ReasonTraversal)
	}

	// Nothing may exist outside dest.
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "dest" {
		t.Errorf("unexpected entries outside dest: %v", entries)
	}
}

func TestUnpackRejectsUnsafeLinkTargets(t *testing.T) {
	codec := testCodec()
	blob := buildArchive(t,
		[]tar.Header{
			{Name: "abs_link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
			{Name: "up_link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"},
			{Name: "target.txt", Typeflag: tar.TypeReg},
			{Name: "ok_link", Typeflag: tar.TypeSymlink, Linkname: "target.txt"},
		},
		map[string][]byte{"target.txt": []byte("data")},
	)

	dest := t.TempDir()
	report, err := codec.Unpack(blob, dest, UnpackOptions{})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if report.Written != 2 {
		t.Errorf("Written = %d, want 2 (target.txt and ok_link)", report.Written)
	}
	for _, m := range report.Members {
		switch m.Name {
		case "abs_link", "up_link":
			if m.Accepted || m.Reason != ReasonLinkTarget {
				t.Errorf("%s: accepted=%v reason=%q, want rejected %q", m.Name, m.Accepted, m.Reason, ReasonLinkTarget)
			}
		case "ok_link":
			if !m.Accepted {
				t.Errorf("ok_link rejected: %q", m.Reason)
			}
		}
	}
}

func TestUnpackBoundary(t *testing.T) {
	codec := testCodec()
	blob := buildArchive(t,
		[]tar.Header{{Name: "f.txt", Typeflag: tar.TypeReg}},
		map[string][]byte{"f.txt": []byte("x")},
	)

	dest := t.TempDir()
	boundary := t.TempDir() // unrelated dir: dest is not inside it

	report, err := codec.Unpack(blob, dest, UnpackOptions{Boundary: boundary})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if report.Written != 0 {
		t.Errorf("Written = %d, want 0 (boundary violation)", report.Written)
	}
	if len(report.Members) != 1 || report.Members[0].Reason != ReasonBoundary {
		t.Errorf("members = %+v, want a single %q rejection", report.Members, ReasonBoundary)
	}
}

func TestUnpackMemberLimit(t *testing.T) {
	codec := testCodec()
	codec.MaxMembers = 2

	blob, err := codec.Pack(map[string][]byte{
		"a": []byte("1"), "b": []byte("2"), "c": []byte("3"),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := codec.Unpack(blob, t.TempDir(), UnpackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Written != 2 {
		t.Errorf("Written = %d, want 2", report.Written)
	}
	rejected := 0
	for _, m := range report.Members {
		if !m.Accepted && m.Reason == ReasonTooMany {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("rejected with %q = %d, want 1", ReasonTooMany, rejected)
	}
}

func TestUnpackEmptyBlob(t *testing.T) {
	codec := testCodec()
	report, err := codec.Unpack(nil, t.TempDir(), UnpackOptions{})
	if err != nil {
		t.Fatalf("Unpack(nil): %v", err)
	}
	if report.Written != 0 || len(report.Members) != 0 {
		t.Errorf("empty blob: report = %+v, want empty", report)
	}
}

func TestUnpackCorruptBlob(t *testing.T) {
	codec := testCodec()
	if _, err := codec.Unpack([]byte("not an archive"), t.TempDir(), UnpackOptions{}); err == nil {
		t.Error("Unpack of garbage should fail")
	}
}
