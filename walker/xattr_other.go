// +build !linux

package walker

// readXattrs is a no-op outside Linux; darwin/BSD expose extended
// attributes through different syscalls entirely and this module only
// grounds the Linux path (golang.org/x/sys/unix.Listxattr/Getxattr).
func readXattrs(path string) ([]byte, error) { return nil, nil }
