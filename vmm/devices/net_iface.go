package devices

// HostNetInterface is the host-side packet transport an emulated NIC (NE2000)
// sends to and receives from — a TAP device in production, a fake in tests.
// ReadPacket returns (nil, nil) when no frame is currently available, so the
// NIC's receive loop can poll it without treating an empty read as EOF.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}
