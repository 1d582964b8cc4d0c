package trainer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const defaultBarColumns = 100

// progressBar draws a single-line step bar on a terminal. On anything else
// it stays silent; the logs carry the same numbers.
type progressBar struct {
	w       io.Writer
	fd      int
	enabled bool

	desc    string
	total   int
	current int
	postfix string
	start   time.Time
}

func newProgressBar(w io.Writer, primary bool) *progressBar {
	pb := &progressBar{w: w, fd: -1, start: time.Now()}
	if f, ok := w.(*os.File); ok && primary {
		pb.fd = int(f.Fd())
		pb.enabled = term.IsTerminal(pb.fd)
	}
	return pb
}

// Reset starts a new phase with its own total.
func (pb *progressBar) Reset(desc string, total int) {
	pb.desc, pb.total, pb.current = desc, total, 0
	pb.start = time.Now()
	pb.render()
}

func (pb *progressBar) Set(current int) {
	pb.current = current
	pb.render()
}

func (pb *progressBar) Add(n int) {
	pb.Set(pb.current + n)
}

func (pb *progressBar) SetPostfix(format string, args ...interface{}) {
	pb.postfix = fmt.Sprintf(format, args...)
	pb.render()
}

func (pb *progressBar) Finish() {
	if pb.enabled {
		fmt.Fprintln(pb.w)
	}
}

func (pb *progressBar) columns() int {
	if pb.fd >= 0 {
		if cols, _, err := term.GetSize(pb.fd); err == nil && cols > 0 {
			return cols
		}
	}
	return defaultBarColumns
}

func (pb *progressBar) render() {
	if !pb.enabled || pb.w == nil {
		return
	}

	ratio := 0.0
	if pb.total > 0 {
		ratio = min(float64(pb.current)/float64(pb.total), 1)
	}

	elapsed := time.Since(pb.start).Round(time.Second)
	left := fmt.Sprintf("%s: %3.0f%%|", pb.desc, ratio*100)
	right := fmt.Sprintf("| %d/%d [%s]", pb.current, pb.total, elapsed)
	if pb.postfix != "" {
		right += " " + pb.postfix
	}

	width := pb.columns() - len(left) - len(right) - 1
	if width < 10 {
		width = 10
	}
	filled := int(ratio * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", width-filled)
	fmt.Fprintf(pb.w, "\r%s%s%s", left, bar, right)
}
