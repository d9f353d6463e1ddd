package archive

import "errors"

// ErrDiskFull is returned when the staging path's free space remains below
// the required threshold after exhausting the configured retry budget.
var ErrDiskFull = errors.New("archive: insufficient free space at staging path")

// ErrEmptyArchive is returned when a build produces a suspiciously small
// archive relative to its claimed original size with no successful
// members — a strong signal the build silently failed.
var ErrEmptyArchive = errors.New("archive: build produced an empty or truncated archive")

// ErrUnsupportedFormat is returned for a CompressionMethod the builder
// does not know how to produce.
var ErrUnsupportedFormat = errors.New("archive: unsupported compression method")
