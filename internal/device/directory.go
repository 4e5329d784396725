// Package device resolves device UUIDs to their log context. The directory
// is loaded from a YAML file maintained by the fleet backend.
package device

import (
	"context"
	"fmt"
	"os"

	"github.com/oicur0t/devlogs/internal/logs"
	"github.com/oicur0t/devlogs/pkg/models"
	"gopkg.in/yaml.v3"
)

// Device is one entry of the directory file.
type Device struct {
	models.LogContext `yaml:",inline"`
	// APIKey is the device-scoped credential.
	APIKey string `yaml:"api_key"`
}

type file struct {
	Devices []Device `yaml:"devices"`
}

// Directory is an immutable UUID index.
type Directory struct {
	byUUID map[string]Device
	byKey  map[string]string
}

// Load reads a directory file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return Parse(data)
}

// Parse builds a directory from YAML.
func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	return New(f.Devices)
}

// New indexes devices. UUIDs and API keys must be unique.
func New(devices []Device) (*Directory, error) {
	d := &Directory{
		byUUID: make(map[string]Device, len(devices)),
		byKey:  make(map[string]string, len(devices)),
	}
	for i, dev := range devices {
		if dev.DeviceUUID == "" {
			return nil, fmt.Errorf("device %d: uuid is required", i)
		}
		if _, dup := d.byUUID[dev.DeviceUUID]; dup {
			return nil, fmt.Errorf("device %s: duplicate uuid", dev.DeviceUUID)
		}
		if dev.APIKey != "" {
			if other, dup := d.byKey[dev.APIKey]; dup {
				return nil, fmt.Errorf("device %s: api key already used by %s", dev.DeviceUUID, other)
			}
			d.byKey[dev.APIKey] = dev.DeviceUUID
		}
		d.byUUID[dev.DeviceUUID] = dev
	}
	return d, nil
}

// Lookup returns a fresh log context for uuid.
func (d *Directory) Lookup(_ context.Context, uuid string) (models.LogContext, error) {
	dev, ok := d.byUUID[uuid]
	if !ok {
		return models.LogContext{}, fmt.Errorf("%s: %w", uuid, logs.ErrUnknownDevice)
	}
	lctx := dev.LogContext
	lctx.Images = append([]models.Image(nil), dev.Images...)
	return lctx, nil
}

// DeviceForKey returns the UUID owning a device API key.
func (d *Directory) DeviceForKey(key string) (string, bool) {
	uuid, ok := d.byKey[key]
	return uuid, ok
}

// Len returns the number of devices.
func (d *Directory) Len() int {
	return len(d.byUUID)
}
