// Package display renders instances and offers for the terminal.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/szaher/vastctl/internal/api"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an output format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

func colorStatus(s string) string {
	switch s {
	case "running":
		return green(s)
	case "loading", "created", "scheduling":
		return yellow(s)
	case "exited", "stopped", "offline":
		return red(s)
	case "":
		return "-"
	}
	return s
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// Instances writes a table of instances.
func Instances(w io.Writer, list []api.Instance) {
	t := newTable(w, []string{"id", "status", "gpus", "model", "util", "vcpus", "ram", "disk", "ssh", "price", "net", "age", "label"})
	for _, in := range list {
		t.Append([]string{
			strconv.FormatInt(in.ID, 10),
			colorStatus(in.ActualStatus),
			strconv.Itoa(in.NumGPUs),
			dash(in.GPUName),
			fmt.Sprintf("%.0f%%", in.GPUUtil),
			fmt.Sprintf("%.1f/%d", in.CPUCoresEffective, in.CPUCores),
			mib(in.CPURAM),
			gb(in.DiskSpace),
			sshAddr(in.SSHHost, in.SSHPort),
			price(in.DPHTotal),
			fmt.Sprintf("%.0f↑ %.0f↓", in.InetUp, in.InetDown),
			age(in.StartDate),
			dash(in.Label),
		})
	}
	t.Render()

	for _, in := range list {
		if in.StatusMsg != "" {
			fmt.Fprintf(w, "%d: %s\n", in.ID, strings.TrimSpace(in.StatusMsg))
		}
	}
}

// Offers writes a table of offers.
func Offers(w io.Writer, list []api.Offer) {
	t := newTable(w, []string{"id", "cuda", "gpus", "model", "gpu_ram", "vcpus", "ram", "disk", "price", "dlp", "dlp_per_usd", "net", "r", "verified", "location"})
	for _, o := range list {
		pr := price(o.DPHTotal)
		if o.MinBid > 0 && o.MinBid == o.DPHTotal {
			pr = "min bid " + pr
		}
		t.Append([]string{
			strconv.FormatInt(o.ID, 10),
			fmt.Sprintf("%.1f", o.CUDAMaxGood),
			strconv.Itoa(o.NumGPUs),
			dash(o.GPUName),
			mib(o.GPURAM),
			fmt.Sprintf("%.1f/%d", o.CPUCoresEffective, o.CPUCores),
			mib(o.CPURAM),
			gb(o.DiskSpace),
			pr,
			fmt.Sprintf("%.1f", o.DLPerf),
			fmt.Sprintf("%.1f", o.DLPerfPerDPH),
			fmt.Sprintf("%.0f↑ %.0f↓", o.InetUp, o.InetDown),
			fmt.Sprintf("%.3f", o.Reliability),
			strconv.FormatBool(o.Verified),
			dash(o.Geolocation),
		})
	}
	t.Render()
}

// Encode writes v as JSON or YAML. YAML output uses the JSON field names.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		// JSON is valid YAML; decoding into a node keeps key order.
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		clearStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q cannot encode values", format)
}

// clearStyle drops the flow style the JSON input implies so the output is
// block YAML.
func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func price(dph float64) string {
	return fmt.Sprintf("$%.4f/hr", dph)
}

// mib formats a size given in MiB.
func mib(v float64) string {
	if v <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(v * 1024 * 1024))
}

// gb formats a size given in GB.
func gb(v float64) string {
	if v <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(v * 1e9))
}

func sshAddr(host string, port int) string {
	if host == "" || port == 0 {
		return "-"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// now is replaced in tests.
var now = time.Now

func age(startUnix float64) string {
	if startUnix <= 0 {
		return "-"
	}
	sec := int64(startUnix)
	nsec := int64((startUnix - float64(sec)) * 1e9)
	return humanize.RelTime(time.Unix(sec, nsec), now(), "ago", "from now")
}
