package guestagent

import "testing"

func TestHasOption(t *testing.T) {
	cases := []struct {
		options string
		want    string
		match   bool
	}{
		{"rw,relatime", "rw", true},
		{"ro,noatime", "rw", false},
		{"ro,noatime", "ro", true},
		{"", "ro", false},
	}
	for _, c := range cases {
		if got := hasOption(c.options, c.want); got != c.match {
			t.Errorf("hasOption(%q, %q) = %v, want %v", c.options, c.want, got, c.match)
		}
	}
}

func TestSkipFsTypesExcludesVirtualFilesystems(t *testing.T) {
	for _, fs := range []string{"proc", "sysfs", "tmpfs", "overlay", "virtiofs"} {
		if !skipFsTypes[fs] {
			t.Errorf("expected %q to be in skipFsTypes", fs)
		}
	}
	if skipFsTypes["ext4"] {
		t.Error("ext4 should not be skipped")
	}
}

func TestMountTrackerThawWithNothingFrozen(t *testing.T) {
	tr := &mountTracker{}
	if n := tr.thaw(); n != 0 {
		t.Errorf("thaw with no prior freeze = %d, want 0", n)
	}
}

func TestMountTrackerThawConsumesFrozenList(t *testing.T) {
	tr := &mountTracker{frozen: []string{"/nonexistent-mount-a", "/nonexistent-mount-b"}}
	// Both opens fail since these paths don't exist, so thaw should
	// return 0 successes but still clear the recorded list.
	tr.thaw()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.frozen != nil {
		t.Errorf("expected frozen list to be cleared after thaw, got %v", tr.frozen)
	}
}
