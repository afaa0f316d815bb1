package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir}

	path, err := up.Upload(context.Background(), "user-1/job-1.txt", []byte("content"), "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "content" {
		t.Fatalf("got %q", data)
	}
	if filepath.Dir(path) != filepath.Join(dir, "user-1") {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestSanitizeKeyBlocksTraversal(t *testing.T) {
	cases := []struct{ in, want string }{
		{"user-1/job-1.txt", "user-1/job-1.txt"},
		{"/abs/path.txt", "abs/path.txt"},
		{"./rel.txt", "rel.txt"},
		{"a/../../etc/passwd", "etc/passwd"},
	}
	for _, tc := range cases {
		if got := sanitizeKey(tc.in); got != tc.want {
			t.Errorf("sanitizeKey(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}
