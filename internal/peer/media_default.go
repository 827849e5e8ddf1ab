//go:build !mediadevices || !linux

package peer

// DefaultMediaSource returns the synthetic source. Build with the
// mediadevices tag on Linux to capture from real devices.
func DefaultMediaSource() MediaSource {
	return SyntheticSource{}
}
