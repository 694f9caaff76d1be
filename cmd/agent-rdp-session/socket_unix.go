//go:build !windows

package main

import "golang.org/x/sys/unix"

// securePermissions restricts the freshly created IPC socket file to the
// owning user (spec.md §6 "a user-private socket"). net.Listen("unix", ...)
// creates the socket file subject to the process umask, which is not
// guaranteed to be 0600, so it's tightened explicitly here.
func securePermissions(path string) error {
	return unix.Chmod(path, 0o600)
}
