package reqid

import (
	"fmt"
	"os"
	"sync/atomic"
)

var prefix string
var reqid atomic.Uint64

func init() {
	hostname, err := os.Hostname()
	if hostname == "" || err != nil {
		hostname = "localhost"
	}

	prefix = hostname
}

// NextRequestID generates the next request ID in the sequence. IDs are
// unique within a process; the hostname prefix keeps them distinguishable
// across replicas.
func NextRequestID() string {
	return fmt.Sprintf("%s-%09d", prefix, reqid.Add(1))
}
