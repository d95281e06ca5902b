package udev

import (
	"fmt"
)

// HardwareDatabase is satisfied by *hwdb.Database and *hwdb.Watcher.
type HardwareDatabase interface {
	Lookup(modalias string) (map[string]string, error)
}

// Modalias returns the modalias of dev: the MODALIAS property when the
// kernel reported one, the modalias attribute otherwise.
func Modalias(dev Device) string {
	if modalias := dev.Property(PropertyModalias); modalias != "" {
		return modalias
	}
	return dev.SystemAttribute(SysAttrModalias)
}

// HardwareProperties looks up the properties the hardware database assigns
// to dev. Devices without a modalias have none.
func HardwareProperties(dev Device, db HardwareDatabase) (map[string]string, error) {
	modalias := Modalias(dev)
	if modalias == "" {
		return map[string]string{}, nil
	}
	props, err := db.Lookup(modalias)
	if err != nil {
		return nil, fmt.Errorf("hardware database lookup for %s (%s): %w", dev.Syspath(), modalias, err)
	}
	return props, nil
}
