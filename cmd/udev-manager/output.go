package main

import (
	"io"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/udev"
)

type deviceRecord struct {
	Syspath    string            `yaml:"syspath"`
	Subsystem  string            `yaml:"subsystem,omitempty"`
	DevType    string            `yaml:"devtype,omitempty"`
	Driver     string            `yaml:"driver,omitempty"`
	DevNode    string            `yaml:"devnode,omitempty"`
	DevNum     string            `yaml:"devnum,omitempty"`
	DevLinks   []string          `yaml:"devlinks,omitempty"`
	Tags       []string          `yaml:"tags,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	Hardware   map[string]string `yaml:"hardware,omitempty"`
}

type eventRecord struct {
	Event  string `yaml:"event"`
	Action string `yaml:"action,omitempty"`
	SeqNum uint64 `yaml:"seqnum,omitempty"`

	deviceRecord `yaml:",inline"`
}

// printer renders devices as a stream of YAML documents.
type printer struct {
	encoder    *yaml.Encoder
	attributes bool
	hwdb       udev.HardwareDatabase // nil unless hardware properties are wanted
}

func newPrinter(w io.Writer, config *Config, hwdb udev.HardwareDatabase) *printer {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	return &printer{
		encoder:    encoder,
		attributes: config.Attributes,
		hwdb:       hwdb,
	}
}

func (p *printer) record(dev udev.Device) deviceRecord {
	rec := deviceRecord{
		Syspath:    dev.Syspath(),
		Subsystem:  dev.Subsystem(),
		DevType:    dev.DevType(),
		Driver:     dev.Driver(),
		DevNode:    dev.DevNode(),
		DevLinks:   dev.DevLinks(),
		Tags:       dev.Tags(),
		Properties: dev.Properties(),
	}
	if !dev.DevNum().IsZero() {
		rec.DevNum = dev.DevNum().String()
	}
	if p.attributes {
		if err := dev.Materialize(); err != nil {
			klog.V(2).Infof("Failed to read attributes of %s: %v", dev.Syspath(), err)
		}
		rec.Attributes = dev.SystemAttributes()
	}
	if p.hwdb != nil {
		props, err := udev.HardwareProperties(dev, p.hwdb)
		if err != nil {
			klog.Errorf("%v", err)
		}
		rec.Hardware = props
	}
	return rec
}

func (p *printer) device(dev udev.Device) error {
	return p.encoder.Encode(p.record(dev))
}

// eventKind names a change event and returns its device. Init has neither.
func eventKind(ev udev.Event) (string, udev.Device) {
	switch e := ev.(type) {
	case udev.Added:
		return "added", e.Device
	case udev.Changed:
		return "changed", e.Device
	case udev.Removed:
		return "removed", e.Device
	}
	return "", nil
}

func (p *printer) event(ev udev.Event) error {
	kind, dev := eventKind(ev)
	if dev == nil {
		return nil
	}
	return p.encoder.Encode(eventRecord{
		Event:        kind,
		Action:       string(dev.Action()),
		SeqNum:       dev.SeqNum(),
		deviceRecord: p.record(dev),
	})
}

func (p *printer) hardware(modalias string, props map[string]string) error {
	return p.encoder.Encode(map[string]any{
		"modalias":   modalias,
		"properties": props,
	})
}

func (p *printer) Close() error {
	return p.encoder.Close()
}
