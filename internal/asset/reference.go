// Package asset checks the reference voice recording used for voice cloning.
package asset

import (
	"fmt"
	"os"
)

// Reference is the fixed-path reference voice file. Its presence is checked
// fresh on every call; nothing is cached.
type Reference struct {
	path string
}

// NewReference creates a check for the file at path.
func NewReference(path string) *Reference {
	return &Reference{path: path}
}

// Path returns the checked path.
func (r *Reference) Path() string {
	return r.path
}

// Exists reports whether the reference file is present as a regular file.
// When it is not, the message explains how to produce one.
func (r *Reference) Exists() (bool, string) {
	info, err := os.Stat(r.path)
	switch {
	case err == nil && info.Mode().IsRegular():
		return true, ""
	case err == nil:
		return false, fmt.Sprintf("reference voice %s is not a regular file. %s", r.path, r.remediation())
	case os.IsNotExist(err):
		return false, fmt.Sprintf("reference voice %s not found. %s", r.path, r.remediation())
	default:
		return false, fmt.Sprintf("reference voice %s is not accessible: %v", r.path, err)
	}
}

func (r *Reference) remediation() string {
	return fmt.Sprintf("Convert a recording to mono 24kHz 16-bit WAV, for example: ffmpeg -i input.m4a -ac 1 -ar 24000 -c:a pcm_s16le %q", r.path)
}
