// Package report renders reconciliation results for the operator.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/xMarcinator/VMWareReboot/internal/models"
	"github.com/xMarcinator/VMWareReboot/internal/orchestrator"
	"github.com/xMarcinator/VMWareReboot/internal/store"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTable, "":
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or json)", s)
	}
}

// Renderer writes reports, inventories and run history in one format.
type Renderer struct {
	out    io.Writer
	format Format

	ok      *color.Color
	failed  *color.Color
	skipped *color.Color
}

// New returns a renderer. Colors follow fatih/color's terminal detection
// unless disabled with SetColor.
func New(out io.Writer, format Format) *Renderer {
	r := &Renderer{
		out:     out,
		format:  format,
		ok:      color.New(color.FgGreen),
		failed:  color.New(color.FgRed, color.Bold),
		skipped: color.New(color.FgYellow),
	}
	return r
}

// SetColor forces colors on or off.
func (r *Renderer) SetColor(enabled bool) {
	for _, c := range []*color.Color{r.ok, r.failed, r.skipped} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

func (r *Renderer) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
}

// Report renders one pass. The result column is last so color escapes do
// not disturb the alignment.
func (r *Renderer) Report(rep *models.Report) error {
	if r.format == FormatJSON {
		return r.writeJSON(rep)
	}

	header := fmt.Sprintf("Run %s  mode=%s  duration=%s", rep.RunID, rep.Mode, rep.Duration().Round(time.Millisecond))
	if rep.DryRun {
		header += "  (dry run)"
	}
	if _, err := fmt.Fprintln(r.out, header); err != nil {
		return err
	}

	tw := newTable(r.out)
	fmt.Fprintln(tw, "GROUP\tVM\tNAME\tACTION\tRESULT")
	if rep.DryRun {
		for _, p := range rep.Planned {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.Group, p.VMID, p.Name, p.Action, r.skipped.Sprint("planned"))
		}
	}
	for _, o := range rep.Outcomes {
		result := r.ok.Sprint("ok")
		if !o.Success {
			result = r.failed.Sprint("FAILED " + string(o.Error))
			if o.Reason != "" {
				result += ": " + o.Reason
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", o.Group, o.VMID, o.Name, o.Action, result)
	}
	for _, b := range rep.Blocked {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.Group, b.VMID, b.Name, b.Action, r.failed.Sprint("blocked"))
	}
	for _, s := range rep.Skipped {
		fmt.Fprintf(tw, "-\t%s\t%s\t-\t%s\n", s.VMID, s.Name, r.skipped.Sprint("skipped: "+s.Reason))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	return r.summary(rep.Summary())
}

func (r *Renderer) summary(s models.Summary) error {
	failed := fmt.Sprintf("%d failed", s.Failed)
	if s.Failed > 0 {
		failed = r.failed.Sprint(failed)
	}
	blocked := fmt.Sprintf("%d blocked", s.Blocked)
	if s.Blocked > 0 {
		blocked = r.failed.Sprint(blocked)
	}
	_, err := fmt.Fprintf(r.out, "Summary: %d succeeded, %s, %d skipped, %s\n", s.Succeeded, failed, s.Skipped, blocked)
	return err
}

// Inventory renders a VM listing.
func (r *Renderer) Inventory(vms []models.VMSummary) error {
	if r.format == FormatJSON {
		if vms == nil {
			vms = []models.VMSummary{}
		}
		return r.writeJSON(vms)
	}

	tw := newTable(r.out)
	fmt.Fprintln(tw, "VM\tNAME\tCPUS\tMEMORY_MIB\tPOWER_STATE")
	for _, vm := range vms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", vm.ID, vm.Name, optional(vm.CPUCount), optional(vm.MemoryMiB), r.state(vm.PowerState))
	}
	return tw.Flush()
}

func (r *Renderer) state(s models.PowerState) string {
	switch s {
	case models.PoweredOn:
		return r.ok.Sprint(s.String())
	case models.PoweredOff:
		return r.failed.Sprint(s.String())
	default:
		return r.skipped.Sprint(s.String())
	}
}

func optional(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

// Runs renders the run history, newest first.
func (r *Renderer) Runs(runs []store.RunSummary) error {
	if r.format == FormatJSON {
		if runs == nil {
			runs = []store.RunSummary{}
		}
		return r.writeJSON(runs)
	}

	tw := newTable(r.out)
	fmt.Fprintln(tw, "RUN\tMODE\tSTARTED\tDURATION\tSUCCEEDED\tFAILED\tSKIPPED\tBLOCKED")
	for _, run := range runs {
		mode := run.Mode.String()
		if run.DryRun {
			mode += " (dry run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.RunID, mode, run.StartedAt.Local().Format(time.DateTime),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
			run.Summary.Succeeded, run.Summary.Failed, run.Summary.Skipped, run.Summary.Blocked)
	}
	return tw.Flush()
}

// Convergence renders the result of a convergence wait.
func (r *Renderer) Convergence(c *orchestrator.Convergence) error {
	if r.format == FormatJSON {
		pending := make(map[string]string, len(c.Pending))
		for id, state := range c.Pending {
			pending[id] = state.String()
		}
		return r.writeJSON(struct {
			Converged []string          `json:"converged"`
			Pending   map[string]string `json:"pending"`
			Polls     int               `json:"polls"`
		}{c.Converged, pending, c.Polls})
	}
	if c.Done() {
		_, err := fmt.Fprintf(r.out, "Converged: %d VMs after %d polls\n", len(c.Converged), c.Polls)
		return err
	}
	if _, err := fmt.Fprintf(r.out, "Not converged: %d of %d VMs\n", len(c.Pending), len(c.Pending)+len(c.Converged)); err != nil {
		return err
	}
	for _, id := range c.PendingIDs() {
		if _, err := fmt.Fprintf(r.out, "  %s is %s\n", id, r.state(c.Pending[id])); err != nil {
			return err
		}
	}
	return nil
}
