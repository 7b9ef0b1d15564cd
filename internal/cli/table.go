package cli

import (
	"bufio"
	"io"

	"github.com/mattn/go-runewidth"
)

// table lays out rows in columns. Widths are measured in terminal
// cells so that tokens in wide scripts line up. The first column is
// left aligned, the others hold numbers and are right aligned.
type table struct {
	rows   [][]string
	widths []int
}

func newTable(header ...string) *table {
	t := &table{widths: make([]int, len(header))}
	t.append(header...)
	return t
}

func (t *table) append(cells ...string) {
	for i, c := range cells {
		if w := runewidth.StringWidth(c); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) error {
	out := bufio.NewWriter(w)
	for _, row := range t.rows {
		for i, c := range row {
			if i > 0 {
				out.WriteString("  ")
			}
			switch {
			case i == 0 && i == len(row)-1:
				out.WriteString(c)
			case i == 0:
				out.WriteString(runewidth.FillRight(c, t.widths[i]))
			default:
				out.WriteString(runewidth.FillLeft(c, t.widths[i]))
			}
		}
		out.WriteByte('\n')
	}
	return out.Flush()
}
