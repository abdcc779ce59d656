package checkpoint

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
)

// RunIDGenerator hands out checkpoint prefixes. Every call must return a value never handed
// out before to any other run sharing the checkpoint directory.
type RunIDGenerator interface {
	Next() string
}

// UUIDGenerator returns random UUIDs; it is safe across processes
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string {
	return uuid.New().String()
}

// sequence is shared by every SequenceGenerator of the process
var sequence uint64

// SequenceGenerator returns the process id followed by a process-wide monotonic counter. It
// is unique within a process and across processes running at the same time.
type SequenceGenerator struct{}

func (SequenceGenerator) Next() string {
	return fmt.Sprintf("%d-%d", os.Getpid(), atomic.AddUint64(&sequence, 1))
}
