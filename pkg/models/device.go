package models

import (
	"github.com/jaypipes/ghw"

	"github.com/aquasense/inference-runner/pkg/logging"
)

// Device identifies where a loaded model's tensors are placed.
type Device string

const (
	// DeviceCPU places model tensors in host memory.
	DeviceCPU Device = "cpu"
	// DeviceAccelerator places model tensors on a discovered accelerator.
	DeviceAccelerator Device = "accelerator"
)

// ResolveDevice resolves a requested device against the hardware actually
// present. Requesting the accelerator on a host without one falls back to the
// CPU with a warning rather than failing loads.
func ResolveDevice(log logging.Logger, requested string) Device {
	if Device(requested) != DeviceAccelerator {
		return DeviceCPU
	}
	gpu, err := ghw.GPU()
	if err != nil {
		log.Warnf("Accelerator discovery failed, falling back to CPU: %v", err)
		return DeviceCPU
	}
	if len(gpu.GraphicsCards) == 0 {
		log.Warn("Accelerator requested but none present, falling back to CPU")
		return DeviceCPU
	}
	log.Infof("Using accelerator: %s", gpu.GraphicsCards[0].DeviceInfo.Product.Name)
	return DeviceAccelerator
}
