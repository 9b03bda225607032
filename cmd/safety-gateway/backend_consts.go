package main

import "time"

const (
	txQueueSize       = 1024 // per-bus async TX queue
	serialReadBufSize = 4096
	// serial RX accumulator is reallocated once drained if it grew past this
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)
