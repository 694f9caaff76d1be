//go:build windows

package main

// securePermissions is a no-op on Windows: the IPC transport there is a
// loopback TCP port (spec.md §6), private by virtue of being bound to
// 127.0.0.1 rather than by filesystem permission bits.
func securePermissions(path string) error { return nil }
