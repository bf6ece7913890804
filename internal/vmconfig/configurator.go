//go:build darwin

// Package vmconfig implements the VM Configurator (§4.2, ~12% share):
// translating a resolved VmConfig (assets + CPUs/memory/mounts/network) into
// an Apple Virtualization.framework VirtualMachineConfiguration, in the
// device order the framework requires.
//
// Adapted from the teacher's internal/vm/vz_manager_darwin.go Create: the
// device wiring (entropy first, then block, serial, network, virtiofs,
// then Validate) is kept verbatim in shape, generalized away from Faize's
// Claude-mode branching and bootstrap-directory-of-shell-scripts approach.
// The boot command line and the virtio-socket device (absent from the
// teacher, which has no vsock control plane) are new, grounded in
// original_source's shuru-vm/src/sandbox.rs VmConfigBuilder and proto.rs's
// VSOCK_PORT/VSOCK_PORT_FORWARD constants.
package vmconfig

import (
	"fmt"

	"github.com/Code-Hex/vz/v3"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/mount"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

// VsockControlPort is the guest-side vsock port the Guest Init listens on
// for exec sessions (per proto.rs's VSOCK_PORT).
const VsockControlPort = 1024

// VsockForwardPort is the guest-side vsock port the Guest Init listens on
// for inbound port-forward connections (per proto.rs's VSOCK_PORT_FORWARD).
const VsockForwardPort = 1025

// Params is everything the configurator needs beyond the resolved asset
// paths: the VmConfig fields from DATA MODEL §3.
type Params struct {
	Assets   *assets.Set
	CPUs     int
	MemoryMB int
	AllowNet bool
	Mounts   []*mount.Mount
	Verbose  bool // attach a serial console carrying the guest's kernel/init log
}

// Built bundles the finished VM configuration with the side-channel handles
// the VM Lifecycle Driver needs after the VM starts (the console pipe, if
// any).
type Built struct {
	Config       *vz.VirtualMachineConfiguration
	ConsoleRead  *vz.VirtioConsoleDeviceSerialPortConfiguration
	BootConsole  *bootConsole
}

// minAllowedMemoryMiB is the spec's floor (§4.2); the ceiling for both CPUs
// and memory comes from the framework itself, which varies by host.
const minAllowedMemoryMiB = 128

// Build constructs a VirtualMachineConfiguration from p, ready for
// vz.NewVirtualMachine.
func Build(p *Params) (*Built, error) {
	if err := validateResources(p.CPUs, p.MemoryMB); err != nil {
		return nil, err
	}

	cmdLine := "console=hvc0 root=/dev/vda rw rootwait init=/sbin/shuru-guest-init"
	cmdLine += " " + mountsCmdline(p.Mounts)
	if !p.Verbose {
		cmdLine += " quiet loglevel=0"
	}

	bootLoader, err := vz.NewLinuxBootLoader(p.Assets.KernelPath, vz.WithCommandLine(cmdLine))
	if err != nil {
		return nil, shuruerr.Bootf("create boot loader: %v", err)
	}
	if p.Assets.InitrdPath != "" {
		bootLoader, err = vz.NewLinuxBootLoader(p.Assets.KernelPath,
			vz.WithCommandLine(cmdLine),
			vz.WithInitrd(p.Assets.InitrdPath),
		)
		if err != nil {
			return nil, shuruerr.Bootf("create boot loader with initrd: %v", err)
		}
	}

	memBytes := uint64(p.MemoryMB) * 1024 * 1024
	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(p.CPUs), memBytes)
	if err != nil {
		return nil, shuruerr.Bootf("create VM config: %v", err)
	}

	entropyDevice, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, shuruerr.Bootf("create entropy device: %v", err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropyDevice})

	blockDevice, err := buildRootDisk(p.Assets.RootfsPath)
	if err != nil {
		return nil, err
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})

	var built Built

	if p.Verbose {
		console, serialConfig, err := newBootConsole()
		if err != nil {
			return nil, shuruerr.Bootf("create boot console: %v", err)
		}
		vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialConfig})
		built.BootConsole = console
		built.ConsoleRead = serialConfig
	}

	if p.AllowNet {
		natAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, shuruerr.Bootf("create NAT attachment: %v", err)
		}
		networkDevice, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
		if err != nil {
			return nil, shuruerr.Bootf("create network device: %v", err)
		}
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{networkDevice})
	}

	socketDevice, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return nil, shuruerr.Bootf("create vsock device: %v", err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketDevice})

	fsDevices, err := buildVirtioFSDevices(p.Mounts)
	if err != nil {
		return nil, err
	}
	vmConfig.SetDirectorySharingDevicesVirtualMachineConfiguration(fsDevices)

	valid, err := vmConfig.Validate()
	if err != nil {
		return nil, shuruerr.Bootf("validate VM config: %v", err)
	}
	if !valid {
		return nil, shuruerr.Bootf("VM configuration rejected by Virtualization.framework")
	}

	built.Config = vmConfig
	return &built, nil
}

// validateResources enforces §4.2's vCPU/[1, platform_max] and memory/
// [128 MiB, platform_max] bounds as a ConfigError before anything is
// handed to Virtualization.framework, which would otherwise reject an
// out-of-range value via Validate() and surface it as a BootError instead.
func validateResources(cpus, memoryMB int) error {
	maxCPUs := int(vz.VirtualMachineConfigurationMaximumAllowedCPUCount())
	if cpus < 1 || cpus > maxCPUs {
		return shuruerr.Configf("cpus %d out of range [1, %d]", cpus, maxCPUs)
	}

	maxMemoryMiB := int(vz.VirtualMachineConfigurationMaximumAllowedMemorySize() / (1024 * 1024))
	if memoryMB < minAllowedMemoryMiB || memoryMB > maxMemoryMiB {
		return shuruerr.Configf("memory %dMiB out of range [%d, %d]", memoryMB, minAllowedMemoryMiB, maxMemoryMiB)
	}

	return nil
}

func buildRootDisk(rootfsPath string) (*vz.VirtioBlockDeviceConfiguration, error) {
	attachment, err := vz.NewDiskImageStorageDeviceAttachment(rootfsPath, false)
	if err != nil {
		return nil, shuruerr.Bootf("create disk attachment: %v", err)
	}
	blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
	if err != nil {
		return nil, shuruerr.Bootf("create block device: %v", err)
	}
	return blockDevice, nil
}

func buildVirtioFSDevices(mounts []*mount.Mount) ([]vz.DirectorySharingDeviceConfiguration, error) {
	var devices []vz.DirectorySharingDeviceConfiguration
	for i, m := range mounts {
		tag := fmt.Sprintf("shuru-mount-%d", i)

		share, err := vz.NewSharedDirectory(m.Source, m.ReadOnly)
		if err != nil {
			return nil, shuruerr.Bootf("create shared directory for %s: %v", m.Source, err)
		}
		single, err := vz.NewSingleDirectoryShare(share)
		if err != nil {
			return nil, shuruerr.Bootf("create directory share for %s: %v", m.Source, err)
		}
		device, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return nil, shuruerr.Bootf("create virtiofs device for %s: %v", m.Source, err)
		}
		device.SetDirectoryShare(single)

		devices = append(devices, device)
	}
	return devices, nil
}

// mountsCmdline builds the shuru.mounts= kernel parameter the guest init
// parses to know which virtiofs tag maps to which guest path and mode.
func mountsCmdline(mounts []*mount.Mount) string {
	if len(mounts) == 0 {
		return ""
	}
	spec := "shuru.mounts="
	for i, m := range mounts {
		if i > 0 {
			spec += ","
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		spec += fmt.Sprintf("shuru-mount-%d:%s:%s", i, m.Target, mode)
	}
	return spec
}
