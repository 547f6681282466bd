// Package output renders the disk catalog for human consumption.
package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/jbweber/bedrock/internal/catalog"
)

// TableFormatter formats catalog entries as a table.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatDiskList renders devices and their partitions. owners maps a
// device or partition name to the volume group owning it, when any.
func (f *TableFormatter) FormatDiskList(devices []catalog.BlockDevice, owners map[string]string) (string, error) {
	if len(devices) == 0 {
		return "No eligible disks found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSIZE\tDEV\tBUSY\tVG")
	}

	for _, device := range devices {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			device.Name,
			humanize.IBytes(device.SizeBytes),
			device.Dev,
			busyMark(device.InUse),
			orDash(owners[device.Name]),
		)
		for _, part := range device.Partitions {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				part.Name,
				humanize.IBytes(part.SizeBytes),
				part.Dev,
				busyMark(part.InUse),
				orDash(owners[part.Name]),
			)
		}
	}

	_ = w.Flush()
	return buf.String(), nil
}

func busyMark(busy bool) string {
	if busy {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
