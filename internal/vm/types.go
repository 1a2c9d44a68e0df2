package vm

import (
	"time"

	"github.com/netlab-tools/labgrade/internal/mount"
	"github.com/netlab-tools/labgrade/internal/remote"
)

// Config describes the lab VM and how to reach it.
type Config struct {
	Binary     string // hypervisor binary, looked up in PATH
	Image      string // VMDK (or qcow2) disk image
	MemoryMB   int
	GuestNet   string // user-mode network CIDR
	ConsoleLog string // serial console output; empty discards it
	ExtraArgs  []string

	Share  *mount.Share
	LabDir string // lab directory relative to the share target

	Endpoint       remote.Endpoint
	Credentials    remote.Credentials
	DialTimeout    time.Duration
	CommandTimeout time.Duration

	BootWait      time.Duration // wait before the first connection attempt
	Attempts      int
	RetryInterval time.Duration
	ShutdownGrace time.Duration // how long to wait for the process after halt
}

// DefaultConfig returns the settings of the Mininet lab VM.
func DefaultConfig() Config {
	return Config{
		Binary:   "qemu-system-x86_64",
		Image:    "/autograder/source/mininet-vm-x86_64.vmdk",
		MemoryMB: 1024,
		GuestNet: "192.168.101.0/24",
		Share: &mount.Share{
			Tag:    mount.DefaultTag,
			Source: "/autograder/submission",
			Target: "/autograder/submission",
		},
		LabDir:         "BGPHijacking",
		Endpoint:       remote.Endpoint{Host: "localhost", Port: 8022},
		Credentials:    remote.Credentials{User: "mininet", Password: "mininet"},
		DialTimeout:    3 * time.Second,
		CommandTimeout: 2 * time.Minute,
		BootWait:       90 * time.Second,
		Attempts:       20,
		RetryInterval:  10 * time.Second,
		ShutdownGrace:  30 * time.Second,
	}
}

// LabPath is the absolute guest path of the lab directory.
func (c Config) LabPath() string {
	if c.Share == nil {
		return c.LabDir
	}
	return c.Share.GuestPath(c.LabDir)
}
