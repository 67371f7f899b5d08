// Command capi is the C-shared entry point used by host processes that
// want to spawn a tow initiator in-process instead of via the CLI.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"strings"

	"github.com/relaywire/tow/internal/addr"
	"github.com/relaywire/tow/internal/initiator"
	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/util"
)

//export spawn_tcp_over_ws
func spawn_tcp_over_ws(remoteWSService *C.char, localListen *C.char, timeout C.int) C.ushort {
	if remoteWSService == nil || localListen == nil {
		return 0
	}

	upstreamURL := strings.TrimSpace(C.GoString(remoteWSService))
	listenAddrs := addr.ParseMany(C.GoString(localListen))

	if upstreamURL == "" || len(listenAddrs) == 0 {
		return 0
	}

	cfg := initiator.Config{
		ListenAddrs: listenAddrs,
		UpstreamURL: upstreamURL,
		TimeoutMs:   session.ClampTimeout(int(timeout)),
	}

	go func() {
		if err := initiator.Run(context.Background(), cfg); err != nil {
			util.LogError("spawn_tcp_over_ws: initiator exited: %v", err)
		}
	}()

	return 1
}

func main() {}
