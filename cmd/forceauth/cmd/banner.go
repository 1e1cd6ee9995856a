package cmd

import (
	"fmt"
	"io"
)

const banner = `
   __                                _   _
  / _| ___  _ __ ___ ___  __ _ _   _| |_| |__
 | |_ / _ \| '__/ __/ _ \/ _` + "`" + ` | | | | __| '_ \
 |  _| (_) | | | (_|  __/ (_| | |_| | |_| | | |
 |_|  \___/|_|  \___\___|\__,_|\__,_|\__|_| |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Stateless Session Security - Version %s\x1b[0m\n\n", Version)
}
