// Package master implements the dispatcher master node.
//
// The master accepts worker TCP connections into an insertion-ordered
// registry, partitions a total unit count into contiguous ranges, sends each
// live worker the shared payload followed by its range, and then drains each
// worker's output into a single append-only sink.
//
// Range i is always delivered to the i-th live connection in registration
// order. The registry is sealed for the whole send phase; workers that arrive
// after distribution begins are closed without receiving anything.
package master
