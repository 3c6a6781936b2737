package all

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/canlens/internal/sink"
)

func TestBuiltinSinksRegistered(t *testing.T) {
	assert.Subset(t, sink.Types(), []string{"console", "export", "kafka", "monitor", "pcap", "trace"})
}
