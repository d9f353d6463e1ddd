package archive

import "syscall"

// freeSpace returns the bytes available to an unprivileged user at path's
// filesystem. No disk-usage library appears anywhere in the retrieved
// corpus, so this stays on the stdlib syscall the teacher already reaches
// for elsewhere (cmd/tapebackarr/main.go imports "syscall" for signal
// handling on the same platform target).
func freeSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
