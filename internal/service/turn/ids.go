package turn

import (
	"fmt"
	"sync/atomic"
)

// IDGenerator hands out utterance ids unique within a process.
type IDGenerator struct {
	counter uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

func (g *IDGenerator) Next(conversationID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", conversationID, n)
}
