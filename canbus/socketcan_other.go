//go:build !linux

package canbus

import "errors"

// SocketCAN requires the Linux kernel CAN stack.

type SocketCANBus struct{}

var errNoSocketCAN = errors.New("socketcan is only available on linux")

func NewSocketCANBus(index int, devices []string) *SocketCANBus { return &SocketCANBus{} }

func (s *SocketCANBus) Index() int { return 0 }

func (s *SocketCANBus) Buses() []int { return nil }

func (s *SocketCANBus) Open() error { return errNoSocketCAN }

func (s *SocketCANBus) Send(frame Frame, bus int) error { return errNoSocketCAN }

func (s *SocketCANBus) Frames() <-chan RxFrame { return nil }

func (s *SocketCANBus) Close() error { return nil }
