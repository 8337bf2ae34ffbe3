package version

import (
	"runtime"
	"testing"
)

func TestString(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2024-03-04T09:00:00Z"

	if got, want := String(), "slotsync 1.2.3 (abc1234) built 2024-03-04T09:00:00Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := UserAgent(); got != "slotsync/1.2.3" {
		t.Errorf("UserAgent() = %q", got)
	}

	info := Get()
	if info.Version != "1.2.3" || info.Commit != "abc1234" || info.GoVersion != runtime.Version() {
		t.Errorf("Get() = %+v", info)
	}
}

func TestDefaults(t *testing.T) {
	if Version == "" || Commit == "" || BuildTime == "" {
		t.Error("build variables must have non-empty defaults")
	}
}
