// Package all registers every built-in sink type.
package all

import (
	_ "firestige.xyz/canlens/internal/sink/console"
	_ "firestige.xyz/canlens/internal/sink/export"
	_ "firestige.xyz/canlens/internal/sink/kafka"
	_ "firestige.xyz/canlens/internal/sink/monitor"
	_ "firestige.xyz/canlens/internal/sink/pcap"
	_ "firestige.xyz/canlens/internal/trace"
)
