//go:build !linux
// +build !linux

package pidstat

func readKernelStats(*ProcessSample) error {
	return ErrUnsupported
}
