package volume

import (
	"encoding/xml"
	"fmt"
)

// libvirt directory pool definition
type poolXML struct {
	XMLName xml.Name      `xml:"pool"`
	Type    string        `xml:"type,attr"`
	Name    string        `xml:"name"`
	Target  poolTargetXML `xml:"target"`
}

type poolTargetXML struct {
	Path string `xml:"path"`
}

// libvirt volume definition for a qcow2 overlay on a backing image
type volumeXML struct {
	XMLName      xml.Name         `xml:"volume"`
	Name         string           `xml:"name"`
	Capacity     capacityXML      `xml:"capacity"`
	Target       volumeTargetXML  `xml:"target"`
	BackingStore *backingStoreXML `xml:"backingStore,omitempty"`
}

type capacityXML struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type volumeTargetXML struct {
	Format formatXML `xml:"format"`
}

type backingStoreXML struct {
	Path   string    `xml:"path"`
	Format formatXML `xml:"format"`
}

type formatXML struct {
	Type string `xml:"type,attr"`
}

func buildPoolXML(name, path string) (string, error) {
	doc := poolXML{
		Type:   "dir",
		Name:   name,
		Target: poolTargetXML{Path: path},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render pool definition: %w", err)
	}
	return string(out), nil
}

func buildVolumeXML(name string, sizeGB uint64, baseImage string) (string, error) {
	doc := volumeXML{
		Name:     name,
		Capacity: capacityXML{Unit: "G", Value: sizeGB},
		Target:   volumeTargetXML{Format: formatXML{Type: "qcow2"}},
	}
	if baseImage != "" {
		doc.BackingStore = &backingStoreXML{
			Path:   baseImage,
			Format: formatXML{Type: "qcow2"},
		}
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render volume definition: %w", err)
	}
	return string(out), nil
}
