package network

import (
	"fmt"
	"log"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostNetInterface is the host-side packet transport an emulated NIC sends
// to and receives from.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice implements HostNetInterface over a Linux TUN/TAP character
// device, presenting full Ethernet frames (IFF_NO_PI) to the guest NIC.
type TapDevice struct {
	fd   int
	Name string
}

// NewTapDevice opens /dev/net/tun and attaches it to the named TAP
// interface via TUNSETIFF, creating the interface if it doesn't exist.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, errno)
	}

	log.Printf("network: tap device %q attached (fd %d)", name, fd)
	return &TapDevice{fd: fd, Name: name}, nil
}

// ReadPacket reads one Ethernet frame from the TAP device. A nil slice with
// a nil error means no frame is available right now, not an error.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buffer := make([]byte, 2048)
	n, err := syscall.Read(t.fd, buffer)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.Name, err)
	}
	return buffer[:n], nil
}

// WritePacket writes one Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := syscall.Write(t.fd, packet); err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.Name, err)
	}
	return nil
}

// Close closes the TAP device's file descriptor.
func (t *TapDevice) Close() error {
	if t.fd == 0 {
		return nil
	}
	log.Printf("network: closing tap device %q (fd %d)", t.Name, t.fd)
	return syscall.Close(t.fd)
}

// ConfigureTapInterface brings the named TAP interface up and assigns it an
// address, via the host's `ip` binary. Run once after NewTapDevice, before
// the guest starts sending traffic; requires CAP_NET_ADMIN.
func ConfigureTapInterface(name string, cidr string) error {
	up := exec.Command("ip", "link", "set", "dev", name, "up")
	if out, err := up.CombinedOutput(); err != nil {
		return fmt.Errorf("ip link set dev %s up: %w (%s)", name, err, out)
	}
	addr := exec.Command("ip", "addr", "add", cidr, "dev", name)
	if out, err := addr.CombinedOutput(); err != nil {
		return fmt.Errorf("ip addr add %s dev %s: %w (%s)", cidr, name, err, out)
	}
	log.Printf("network: tap device %q configured with %s", name, cidr)
	return nil
}
