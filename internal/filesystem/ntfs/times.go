package ntfs

// FILETIME is 100-nanosecond ticks since 1601-01-01 UTC; the Unix epoch is
// 11,644,473,600 seconds later.
const (
	filetimeTicksPerSecond = 10_000_000
	filetimeUnixOffset     = 11_644_473_600
)

// FiletimeToUnix converts a FILETIME value to Unix seconds, saturating at
// zero for pre-epoch values.
func FiletimeToUnix(filetime uint64) int64 {
	seconds := int64(filetime / filetimeTicksPerSecond)
	seconds -= filetimeUnixOffset
	if seconds < 0 {
		return 0
	}
	return seconds
}
