package virt

import (
	"fmt"
	"regexp"
)

// machineTypeRewrites maps hypervisor-version-specific machine types to
// portable aliases so that superficial version differences between source
// and destination never make two otherwise identical domain documents
// compare unequal. One table feeds both the in-process rewrite and the
// sed expressions executed on the remote host.
var machineTypeRewrites = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`pc-i440fx-[a-zA-Z0-9._-]*`), "pc"},
	{regexp.MustCompile(`pc-q35-[a-zA-Z0-9._-]*`), "q35"},
}

// NormalizeMachineTypes rewrites version-specific machine-type identifiers
// in a domain document to their portable equivalents. Idempotent.
func NormalizeMachineTypes(doc string) string {
	for _, rw := range machineTypeRewrites {
		doc = rw.pattern.ReplaceAllString(doc, rw.replace)
	}
	return doc
}

// normalizeSedExprs returns the sed substitution expressions equivalent to
// NormalizeMachineTypes, for execution on hosts where we only have a shell.
func normalizeSedExprs() []string {
	exprs := make([]string, len(machineTypeRewrites))
	for i, rw := range machineTypeRewrites {
		exprs[i] = fmt.Sprintf("s/%s/%s/g", rw.pattern.String(), rw.replace)
	}
	return exprs
}
