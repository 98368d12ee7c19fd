// hackstone-verify - offline audit trail verification
//
// Recomputes the integrity chain over an audit log and reports the first
// broken record, if any. Exit status 0 means the chain is intact.
package main

import (
	"flag"
	"fmt"
	"os"

	"hackstone/internal/audit"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hackstone-verify <audit-log>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	res, err := audit.Verify(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hackstone-verify: %v\n", err)
		os.Exit(1)
	}

	if res.BrokenAt != 0 {
		fmt.Printf("FAIL: chain broken at line %d (%d intact records before it)\n", res.BrokenAt, res.Records)
		os.Exit(1)
	}

	fmt.Printf("OK: %d records, chain intact\n", res.Records)
	if res.LastChain != "" {
		fmt.Printf("last chain value: %s\n", res.LastChain)
	}
}
