package tapestage

import "errors"

// ErrTapeDriveMissing is returned when the tape mount path does not exist.
var ErrTapeDriveMissing = errors.New("tapestage: tape mount path not found")

// ErrMoveFailed is returned when a staged move exhausts its retry budget.
var ErrMoveFailed = errors.New("tapestage: failed to move archive onto tape-visible path")
