//go:build !linux

package fileengine

// freeDiskBytes is not implemented on non-Linux platforms; Statistics
// still report file count/bytes/expired accurately.
func freeDiskBytes(root string) uint64 { return 0 }
