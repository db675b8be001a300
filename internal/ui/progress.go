package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar wraps the progressbar library with our styling
type ProgressBar struct {
	bar       *progressbar.ProgressBar
	startTime time.Time
	total     int64
}

// NewProgressBar creates a progress bar writing to w. With bytes set the
// counts are shown as sizes.
func NewProgressBar(w io.Writer, total int64, description string, bytes bool) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(bytes),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(colorEnabled),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        saucer(),
			SaucerHead:    saucer(),
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	return &ProgressBar{
		bar:       bar,
		startTime: time.Now(),
		total:     total,
	}
}

func saucer() string {
	if colorEnabled {
		return "[green]█[reset]"
	}
	return "█"
}

// Write counts len(p) bytes, so the bar can sit behind an io.Writer.
func (p *ProgressBar) Write(b []byte) (int, error) {
	return p.bar.Write(b)
}

// Update sets the current count
func (p *ProgressBar) Update(current int64) {
	_ = p.bar.Set64(current)
}

// Describe replaces the description
func (p *ProgressBar) Describe(description string) {
	p.bar.Describe(description)
}

// Finish completes the progress bar
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Elapsed is the time since the bar was created
func (p *ProgressBar) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

// StageProgress prints one line per pipeline stage and a bar for stages that
// report counts. Output is suppressed entirely when w is nil.
type StageProgress struct {
	w       io.Writer
	bars    bool
	current string
	bar     *ProgressBar
	started time.Time
}

// NewStageProgress reports to w. Bars are only drawn when bars is set.
func NewStageProgress(w io.Writer, bars bool) *StageProgress {
	return &StageProgress{w: w, bars: bars}
}

// Stage marks the start of a stage and closes the previous one.
func (s *StageProgress) Stage(name string) {
	if s.w == nil {
		return
	}
	s.finishStage()
	s.current = name
	s.started = time.Now()
	fmt.Fprintf(s.w, "%s %s\n", Info.Render("==>"), Bold.Render(name))
}

// Progress updates the bar of the running stage.
func (s *StageProgress) Progress(stage string, done, total int) {
	if s.w == nil || !s.bars {
		return
	}
	if s.bar == nil || stage != s.current {
		s.current = stage
		s.bar = NewProgressBar(s.w, int64(total), "  "+stage, false)
	}
	s.bar.Update(int64(done))
}

// Done closes the last stage.
func (s *StageProgress) Done() {
	if s.w == nil {
		return
	}
	s.finishStage()
}

func (s *StageProgress) finishStage() {
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
	if s.current != "" {
		fmt.Fprintf(s.w, "    %s\n", Dim.Render(s.current+" took "+FormatDuration(time.Since(s.started))))
		s.current = ""
	}
}

// FormatBytes formats bytes into human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats durations for people: sub-second values keep
// millisecond precision.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// TruncateString truncates a string with ellipsis
func TruncateString(str string, maxLen int) string {
	if len(str) <= maxLen {
		return str
	}
	if maxLen <= 3 {
		return str[:maxLen]
	}
	return str[:maxLen-3] + "..."
}

// PadRight pads a string to the right
func PadRight(str string, length int) string {
	if len(str) >= length {
		return str
	}
	return str + strings.Repeat(" ", length-len(str))
}
