package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotatingSink returns a writer that appends to the file at path and
// rotates it once it reaches 10 MiB, keeping at most five rotated files.
func NewRotatingSink(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
	}
}
