package virt

import (
	"fmt"
	"strings"

	"github.com/kvmtools/kvmsync/remote"
)

// Per-VM steps reported by the batched define script.
const (
	StepMissing   = "missing"
	StepNormalize = "normalize"
	StepDefine    = "define"
	StepArchive   = "archive"
)

// DefineScript builds one shell script that, per VM: rewrites machine types
// in the pushed domain XML to portable aliases, registers the domain with
// virsh, and archives the normalized document to the templates directory.
// It emits one "OK <vm>" or "FAIL <vm> <step>" line per VM, so the whole
// batch costs a single remote round trip however many VMs it covers.
func DefineScript(vms []string, confDir, templatesDir string) string {
	var sedArgs strings.Builder
	for _, expr := range normalizeSedExprs() {
		fmt.Fprintf(&sedArgs, " -e %s", remote.Quote(expr))
	}

	var b strings.Builder
	b.WriteString(RemoteToolPath + "; export PATH\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", remote.Quote(templatesDir))
	fmt.Fprintf(&b, "for vm in %s; do\n", remote.QuoteAll(vms...))
	fmt.Fprintf(&b, "  xml=%s/\"$vm\".xml\n", remote.Quote(confDir))
	b.WriteString("  if [ ! -f \"$xml\" ]; then echo \"FAIL $vm " + StepMissing + "\"; continue; fi\n")
	fmt.Fprintf(&b, "  if ! sed -i%s \"$xml\"; then echo \"FAIL $vm %s\"; continue; fi\n", sedArgs.String(), StepNormalize)
	b.WriteString("  if ! virsh define \"$xml\" >/dev/null; then echo \"FAIL $vm " + StepDefine + "\"; continue; fi\n")
	fmt.Fprintf(&b, "  if ! cp \"$xml\" %s/\"$vm\".xml; then echo \"FAIL $vm %s\"; continue; fi\n", remote.Quote(templatesDir), StepArchive)
	b.WriteString("  echo \"OK $vm\"\n")
	b.WriteString("done\n")
	return b.String()
}

// ParseDefineOutput splits the script's per-VM result lines into successes
// and failures (VM name to failing step). Unrecognized lines are ignored;
// a VM absent from both maps never reported, which callers treat as failed.
func ParseDefineOutput(out string) (succeeded []string, failed map[string]string) {
	failed = make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 2 && fields[0] == "OK":
			succeeded = append(succeeded, fields[1])
		case len(fields) >= 3 && fields[0] == "FAIL":
			failed[fields[1]] = fields[2]
		case len(fields) == 2 && fields[0] == "FAIL":
			failed[fields[1]] = "unknown"
		}
	}
	return succeeded, failed
}
