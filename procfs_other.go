//go:build !linux
// +build !linux

package pidstat

import (
	"context"
	"log/slog"
	"regexp"
)

func (p *ProcFS) ListPids(context.Context, *regexp.Regexp) ([]int32, error) {
	return nil, ErrUnsupported
}

func (p *ProcFS) Cmdline(context.Context, int32) (string, error) {
	return "", ErrUnsupported
}

func (p *ProcFS) TCPConnections(context.Context) (map[ConnKey]TCPConnection, error) {
	return nil, ErrUnsupported
}

func (p *ProcFS) FileDescriptors(context.Context, int32) (map[int]FileDescriptor, error) {
	return nil, ErrUnsupported
}

// NewNetlinkIntrospector falls back to ProcFS outside linux.
func NewNetlinkIntrospector(logger *slog.Logger) Introspector {
	return NewProcFS(logger)
}
