package gateway

import (
	"os"
	"syscall"
)

// restartSignal is the signal the Supervisor treats as "restart in place"
// (§4.12). Sent by /restart to the current process.
var restartSignal os.Signal = syscall.SIGUSR1
