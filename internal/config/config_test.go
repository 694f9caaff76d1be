package config

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestSessionDirIsUnderTmpRoot(t *testing.T) {
	got := SessionDir("default")
	want := filepath.Join(TmpRoot(), "agent-rdp", "default")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestIPCAddressIsDeterministicPerSession(t *testing.T) {
	network1, addr1 := IPCAddress("default")
	network2, addr2 := IPCAddress("default")
	if network1 != network2 || addr1 != addr2 {
		t.Fatalf("expected stable address for the same session, got (%s,%s) and (%s,%s)", network1, addr1, network2, addr2)
	}

	_, addrOther := IPCAddress("other")
	if addr1 == addrOther {
		t.Fatal("expected distinct sessions to get distinct addresses")
	}
}

func TestIPCAddressMatchesPlatformTransport(t *testing.T) {
	network, _ := IPCAddress("default")
	if runtime.GOOS == "windows" {
		if network != "tcp" {
			t.Fatalf("expected tcp on windows, got %s", network)
		}
	} else if network != "unix" {
		t.Fatalf("expected unix socket on POSIX, got %s", network)
	}
}
