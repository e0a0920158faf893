// Command archcheck enforces the import layering of the module:
//
//	pkg/      public contracts and libraries, never internal/ or modules/
//	modules/  features, talking to each other only through pkg/otogi services
//	internal/ kernel and drivers
//
// It runs `go list -json -test ./...` and exits non-zero on any violation.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "otogi-agent/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

// rule forbids importers under from to import packages under to.
type rule struct {
	from   string
	to     string
	reason string
	// applies narrows the rule further; nil means always.
	applies func(importer, imported string) bool
}

var rules = []rule{
	{from: "pkg/", to: "internal/", reason: "pkg/* must not import internal/*"},
	{from: "pkg/", to: "modules/", reason: "pkg/* must not import modules/*"},
	{from: "modules/", to: "internal/", reason: "modules/* must not import internal/*"},
	{from: "internal/kernel", to: "internal/driver", reason: "internal/kernel must not import internal/driver/*"},
	{from: "pkg/clock", to: "", reason: "pkg/clock must stay free of project imports"},
	{from: "pkg/shard", to: "", reason: "pkg/shard must stay free of project imports"},
	{
		from: "modules/", to: "modules/", reason: "modules/* must talk through pkg/otogi services",
		applies: func(importer, imported string) bool { return moduleRoot(importer) != moduleRoot(imported) },
	},
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		fmt.Fprintln(os.Stdout, "arch-check: passed")
		return
	}

	fmt.Fprintln(os.Stdout, "arch-check: architecture violations:")
	for _, violation := range violations {
		fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	cmd.Stderr = os.Stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	var packages []listedPackage
	decoder := json.NewDecoder(bytes.NewReader(output))
	for {
		var pkg listedPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			return packages, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath != "" {
			packages = append(packages, pkg)
		}
	}
}

// collectViolations returns each offending import once, sorted.
func collectViolations(packages []listedPackage) []string {
	found := make(map[string]bool)
	for _, pkg := range packages {
		for _, imports := range [][]string{pkg.Imports, pkg.TestImports, pkg.XTestImports} {
			for _, imported := range imports {
				if reason := violationReason(pkg.ImportPath, imported); reason != "" {
					found[fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)] = true
				}
			}
		}
	}

	return slices.Sorted(maps.Keys(found))
}

func violationReason(importer, imported string) string {
	importer, _, _ = strings.Cut(importer, " ")
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)

	for _, r := range rules {
		if !underPath(importer, r.from) || !underPath(imported, r.to) {
			continue
		}
		if r.applies == nil || r.applies(importer, imported) {
			return r.reason
		}
	}

	return ""
}

// underPath matches prefix as a path: "pkg/llm" covers "pkg/llm/config"
// but not "pkg/llmx". A trailing slash or empty prefix matches any child.
func underPath(path, prefix string) bool {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// moduleRoot trims modules/<name>/... down to <name>.
func moduleRoot(importPath string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(importPath, "modules/"), "/")
	return name
}
