package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
)

func TestEnsureDirsCreatesTree(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	if err := root.EnsureDirs("s1"); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{root.Dir("s1"), root.PubDir("s1"), root.UploadsDir("s1")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestWriteAndRemovePlanOutputs(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	if err := root.EnsureDirs("s1"); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	entries := []roles.PlanOutputEntry{{Index: 1, Type: "exec", Detail: "list files", Output: "a.py\n", Status: "done"}}
	if err := root.WritePlanOutputs("s1", entries); err != nil {
		t.Fatalf("WritePlanOutputs: %v", err)
	}
	data, err := os.ReadFile(root.PlanOutputsPath("s1"))
	if err != nil {
		t.Fatalf("read plan outputs: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty plan outputs file")
	}

	if err := root.RemovePlanOutputs("s1"); err != nil {
		t.Fatalf("RemovePlanOutputs: %v", err)
	}
	if _, err := os.Stat(root.PlanOutputsPath("s1")); !os.IsNotExist(err) {
		t.Errorf("expected plan outputs file removed, stat err=%v", err)
	}

	// Removing again is a no-op.
	if err := root.RemovePlanOutputs("s1"); err != nil {
		t.Errorf("RemovePlanOutputs on missing file: %v", err)
	}
}

func TestResolvePublishedRejectsTraversal(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	if err := root.EnsureDirs("s1"); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	ok, err := root.ResolvePublished("s1", "report.txt")
	if err != nil {
		t.Fatalf("ResolvePublished valid: %v", err)
	}
	if filepath.Dir(ok) != root.PubDir("s1") {
		t.Errorf("resolved path %q not under pub dir %q", ok, root.PubDir("s1"))
	}

	for _, bad := range []string{"../secret.txt", "../../etc/passwd", "a/../../b"} {
		if _, err := root.ResolvePublished("s1", bad); err == nil {
			t.Errorf("ResolvePublished(%q) should have rejected traversal", bad)
		}
	}
}
