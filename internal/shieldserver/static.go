package shieldserver

import (
	"io"
	"os"
)

func openDiskFile(path string) (*os.File, error) {
	return os.Open(path)
}

func copyFile(w io.Writer, f *os.File) (int64, error) {
	return io.Copy(w, f)
}
