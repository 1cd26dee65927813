//+build linux

package port

import (
	"os/exec"

	"github.com/womat/debug"
)

// LoadDriver loads the kernel modules of the usual SDS011 USB adapters
// (the CH341 UART bridge). Failing is fine, the modules are typically
// built in or already loaded; whoever plugged in exotic hardware sees the
// reason in the debug log.
func LoadDriver() {
	for _, module := range []string{"usbserial", "ch341"} {
		if out, err := exec.Command("modprobe", module).CombinedOutput(); err != nil {
			debug.DebugLog.Printf("modprobe %s: %v %s", module, err, out)
		}
	}
}
