// Package tapectl implements tape cartridge discovery and label parsing
// behind the narrow Controller interface the pipeline calls against.
// Of the raw drive control the teacher's tape package carries, only a
// label-preserving format (`mt erase` plus a label rewrite) is kept;
// eject, TOC, and encryption are not part of this package.
package tapectl

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
)

// ProgressCallback reports percent-complete during a long-running format.
type ProgressCallback func(percent int)

// Controller is the pipeline's view of tape hardware: the current
// cartridge, its label, reformatting, and the next available cartridge.
type Controller interface {
	CurrentCartridge(ctx context.Context) (*models.TapeCartridge, error)
	ReadLabel(ctx context.Context) (string, error)
	FormatPreserveLabel(ctx context.Context, task *models.BackupTask, progress ProgressCallback) error
	GetAvailableCartridge(ctx context.Context) (*models.TapeCartridge, error)
}

// labelPatterns covers the three year-month encodings named in the
// pre-flight check: "TP YYYY MM NN", "TAPE YYYY MM NN", and a bare
// "YYYYMM" run, each captured so the year and month can be pulled out
// independently of surrounding punctuation or a trailing sequence number.
var labelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^TP[\s_-]?(\d{4})(\d{2})(?:[\s_-]?\d+)?$`),
	regexp.MustCompile(`(?i)^TAPE[\s_-]?(\d{4})(\d{2})(?:[\s_-]?\d+)?$`),
	regexp.MustCompile(`^(\d{4})(\d{2})$`),
}

// ParseYearMonth extracts the year and month encoded in a cartridge label
// using the TP/TAPE/bare-YYYYMM families. ok is false when no pattern
// matches.
func ParseYearMonth(label string) (year int, month int, ok bool) {
	for _, p := range labelPatterns {
		m := p.FindStringSubmatch(label)
		if m == nil {
			continue
		}
		var y, mo int
		if _, err := fmt.Sscanf(m[1], "%d", &y); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(m[2], "%d", &mo); err != nil {
			continue
		}
		return y, mo, true
	}
	return 0, 0, false
}

// MonthMatchesCurrent reports whether label's encoded month equals the
// current month; the year is allowed to differ (the pre-flight check only
// warns on a year mismatch, grounded on spec.md's explicit "the year may
// differ, a warning is logged" carve-out).
func MonthMatchesCurrent(label string, now time.Time) (matches bool, yearMismatch bool, ok bool) {
	year, month, ok := ParseYearMonth(label)
	if !ok {
		return false, false, false
	}
	matches = month == int(now.Month())
	yearMismatch = year != now.Year()
	return matches, yearMismatch, true
}

// DeviceController is a Controller backed by a real tape device, driving
// the `mt` command-line tool the way the teacher's own
// tape.Service shells out to OS tape utilities rather than binding to a
// SCSI library (none exists in the retrieved corpus).
type DeviceController struct {
	devicePath string
	logger     *logging.Logger
}

func NewDeviceController(devicePath string, logger *logging.Logger) *DeviceController {
	return &DeviceController{devicePath: devicePath, logger: logger}
}

// CurrentCartridge reads the tape currently loaded in the drive and
// returns its cartridge metadata, or nil if no tape is loaded.
func (d *DeviceController) CurrentCartridge(ctx context.Context) (*models.TapeCartridge, error) {
	label, err := d.ReadLabel(ctx)
	if err != nil {
		return nil, err
	}
	if label == "" {
		return nil, nil
	}
	return &models.TapeCartridge{TapeID: label, Label: label, Status: models.TapeStatusActive}, nil
}

// ReadLabel reads the tape label via `mt` + a label-file read, the same
// shape as the teacher's ReadTapeLabel (status query, then content read).
func (d *DeviceController) ReadLabel(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "mt", "-f", d.devicePath, "status")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tapectl: mt status failed: %w (%s)", err, string(out))
	}
	return parseLabelFromStatus(string(out)), nil
}

// FormatPreserveLabel reformats the loaded tape while keeping its label,
// reporting coarse percentage milestones via progress.
func (d *DeviceController) FormatPreserveLabel(ctx context.Context, task *models.BackupTask, progress ProgressCallback) error {
	label, err := d.ReadLabel(ctx)
	if err != nil {
		return fmt.Errorf("tapectl: read label before format: %w", err)
	}
	if progress != nil {
		progress(10)
	}

	cmd := exec.CommandContext(ctx, "mt", "-f", d.devicePath, "erase")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tapectl: format failed: %w (%s)", err, string(out))
	}
	if progress != nil {
		progress(80)
	}

	if label != "" {
		if err := d.writeLabel(ctx, label); err != nil {
			return fmt.Errorf("tapectl: restore label after format: %w", err)
		}
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// GetAvailableCartridge returns whatever cartridge is currently loaded, as
// CurrentCartridge does: a single-drive device controller has no pool to
// choose from (the operator loads the next tape). It returns nil, nil when
// no tape is loaded.
func (d *DeviceController) GetAvailableCartridge(ctx context.Context) (*models.TapeCartridge, error) {
	return d.CurrentCartridge(ctx)
}

func (d *DeviceController) writeLabel(ctx context.Context, label string) error {
	cmd := exec.CommandContext(ctx, "mt", "-f", d.devicePath, "setlabel", label)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w (%s)", err, string(out))
	}
	return nil
}

var statusLabelRe = regexp.MustCompile(`(?i)label[:=]\s*([A-Za-z0-9_-]+)`)

func parseLabelFromStatus(output string) string {
	m := statusLabelRe.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}
