// The charm entrypoint. Juju invokes it through dispatch for every
// hook and action; the event is carried in the JUJU_* environment.
package main

import (
	"fmt"
	"os"

	"github.com/canonical/software-inventory-collector/internal/charm"
	"github.com/canonical/software-inventory-collector/internal/hook"
	"github.com/canonical/software-inventory-collector/internal/logging"
)

func main() {
	logging.Init("text", "info", os.Stderr)

	c := charm.New()
	if err := c.Run(hook.EnvFromOS()); err != nil {
		_ = c.Tools.JujuLog("ERROR", fmt.Sprintf("hook failed: %v", err))
		fmt.Fprintf(os.Stderr, "Hook failed: %v\n", err)
		os.Exit(1)
	}
}
