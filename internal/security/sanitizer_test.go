package security

import (
	"os"
	"path/filepath"
	"testing"
)

// testRoot returns a symlink-resolved temp dir with a workspace inside,
// so expected paths compare equal on hosts where TMPDIR is a symlink.
func testRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "workspace"), 0750); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestSanitizeRelativePath(t *testing.T) {
	root := testRoot(t)
	workspace := filepath.Join(root, "workspace")

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"simple file", "test.txt", filepath.Join(workspace, "test.txt")},
		{"nested", "subdir/file.txt", filepath.Join(workspace, "subdir", "file.txt")},
		{"deeply nested", "subdir/deeply/nested/file.txt", filepath.Join(workspace, "subdir", "deeply", "nested", "file.txt")},
		{"dot segments dropped", "./a/./b.txt", filepath.Join(workspace, "a", "b.txt")},
		{"double slashes", "a//b.txt", filepath.Join(workspace, "a", "b.txt")},
		{"empty input", "", workspace},
		{"dots in filename", "file..txt", filepath.Join(workspace, "file..txt")},
		{"dots in dirname", "dir../file.txt", filepath.Join(workspace, "dir..", "file.txt")},
		{"four dots then ext", "....txt", filepath.Join(workspace, "....txt")},
		{"three dots then ext", "...txt", filepath.Join(workspace, "...txt")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.raw, root, "workspace"); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestSanitizeTraversalAttempts(t *testing.T) {
	root := testRoot(t)
	workspace := filepath.Join(root, "workspace")

	attempts := []string{
		"../../etc/passwd",
		"../test.txt",
		"....//....//etc/passwd",
		"..././../etc/passwd",
		"./../../etc/passwd",
		"..//..//etc/passwd",
		"../",
		"../../",
		"...",
		"....",
		`..\..\etc\passwd`,
		"/../../etc/passwd",
	}

	for _, attempt := range attempts {
		if got := Sanitize(attempt, root, "workspace"); got != workspace {
			t.Errorf("Sanitize(%q) = %q, want workspace root %q", attempt, got, workspace)
		}
	}
}

func TestSanitizeAbsolutePath(t *testing.T) {
	root := testRoot(t)
	workspace := filepath.Join(root, "workspace")

	inside := filepath.Join(workspace, "test.txt")
	if err := os.WriteFile(inside, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := Sanitize(inside, root, "workspace"); got != inside {
		t.Errorf("absolute path inside sandbox: got %q, want %q", got, inside)
	}

	outside := filepath.Join(filepath.Dir(root), "outside", "test.txt")
	if got := Sanitize(outside, root, "workspace"); got != workspace {
		t.Errorf("absolute path outside sandbox: got %q, want workspace %q", got, workspace)
	}
}

func TestSanitizeSymlinkEscape(t *testing.T) {
	root := testRoot(t)
	workspace := filepath.Join(root, "workspace")

	// A symlink inside the workspace pointing outside the sandbox must
	// not be traversable.
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(workspace, "link")); err != nil {
		t.Fatal(err)
	}

	if got := Sanitize("link/secret.txt", root, "workspace"); got != workspace {
		t.Errorf("Sanitize through escaping symlink = %q, want workspace %q", got, workspace)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"test.txt", "test.txt"},
		{"/path/to/file.txt", "file.txt"},
		{"../../etc/passwd", "passwd"},
		{`..\..\etc\passwd`, "passwd"},
		{"..", ""},
		{"", ""},
	}

	for _, tc := range tests {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEnsureContained(t *testing.T) {
	root := testRoot(t)
	workspace := filepath.Join(root, "workspace")

	if !EnsureContained(workspace, root) {
		t.Error("workspace should be contained in root")
	}
	if !EnsureContained(root, root) {
		t.Error("root should be contained in itself")
	}
	if EnsureContained(filepath.Dir(root), root) {
		t.Error("parent must not be contained in root")
	}
	if EnsureContained(t.TempDir(), root) {
		t.Error("sibling must not be contained in root")
	}
}
