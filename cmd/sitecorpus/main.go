// Command sitecorpus captures websites into a page corpus, keeps it in sync
// and feeds it to a semantic-indexing service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
