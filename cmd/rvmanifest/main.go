// Command rvmanifest checks and prints rvcore boot manifests.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"rvcore/rvos/config"
	"rvcore/rvos/user"
)

func main() {
	var (
		inPath = flag.String("in", "", "Manifest to read. Empty uses the builtin default.")
		mode   = flag.String("mode", "check", "check|dump|programs.")
	)
	flag.Parse()

	if err := run(os.Stdout, *inPath, *mode); err != nil {
		fatalf("%v", err)
	}
}

func run(w io.Writer, inPath, mode string) error {
	switch strings.ToLower(mode) {
	case "programs":
		for _, n := range user.Names() {
			fmt.Fprintln(w, n)
		}
		return nil
	case "check", "dump":
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}

	cfg := config.Default()
	if inPath != "" {
		var err error
		if cfg, err = config.Load(inPath); err != nil {
			return err
		}
	}
	for _, a := range cfg.Apps {
		if _, ok := user.Lookup(a.Program); !ok {
			return fmt.Errorf("app %q: unknown program %q", a.Name, a.Program)
		}
	}

	if strings.EqualFold(mode, "dump") {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tPROGRAM\tPRIORITY\tARGV\n")
	for _, a := range cfg.Apps {
		argv, _ := a.Argv()
		prio := a.Priority
		if prio == 0 {
			prio = cfg.Kernel.DefaultPriority
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%q\n", a.Name, a.Program, prio, argv)
	}
	return tw.Flush()
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
