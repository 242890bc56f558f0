// dtester-helper is the program the runtime uploads to a remote host and
// runs over an SSH exec channel. It speaks the line-oriented controlled-
// host protocol on stdin/stdout; see internal/helper.
package main

import (
	"log"
	"os"

	"github.com/mwanner-successor/dtester/internal/helper"
)

func main() {
	s := helper.New(os.Stdout)
	if err := s.Serve(os.Stdin); err != nil {
		log.Fatalf("dtester-helper: %v", err)
	}
}
