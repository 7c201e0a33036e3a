package chrootview_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nix-community/nix-user-chroot-go/internal/chrootview"
)

func TestFromDirEntry(t *testing.T) {
	got := chrootview.FromDirEntry("/etc", "hosts")
	want := chrootview.Entry{
		Kind:       chrootview.Mirrored,
		FileName:   "hosts",
		SourcePath: "/etc/hosts",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromDirEntry mismatch (-want +got):\n%s", diff)
	}
}

func TestFromExplicit(t *testing.T) {
	got := chrootview.FromExplicit("/opt/extra", "extra")
	want := chrootview.Entry{
		Kind:       chrootview.Explicit,
		FileName:   "extra",
		SourcePath: "/opt/extra",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromExplicit mismatch (-want +got):\n%s", diff)
	}
}
