package domain

import "encoding/xml"

// libvirt domain document, limited to the elements this tool emits
type domainXML struct {
	XMLName  xml.Name    `xml:"domain"`
	Type     string      `xml:"type,attr"`
	Name     string      `xml:"name"`
	Memory   memoryXML   `xml:"memory"`
	VCPU     uint        `xml:"vcpu"`
	OS       osXML       `xml:"os"`
	Features featuresXML `xml:"features"`
	CPU      cpuXML      `xml:"cpu"`
	Devices  devicesXML  `xml:"devices"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type osXML struct {
	Type osTypeXML `xml:"type"`
	Boot bootXML   `xml:"boot"`
}

type osTypeXML struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr"`
	Value   string `xml:",chardata"`
}

type bootXML struct {
	Dev string `xml:"dev,attr"`
}

type featuresXML struct {
	ACPI *struct{} `xml:"acpi"`
	APIC *struct{} `xml:"apic"`
}

type cpuXML struct {
	Mode string `xml:"mode,attr"`
}

type devicesXML struct {
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	Hostdevs   []hostdevXML   `xml:"hostdev"`
	Console    *consoleXML    `xml:"console,omitempty"`
}

type diskXML struct {
	Type   string        `xml:"type,attr"`
	Device string        `xml:"device,attr"`
	Driver diskDriverXML `xml:"driver"`
	Source diskSourceXML `xml:"source"`
	Target diskTargetXML `xml:"target"`
}

type diskDriverXML struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type interfaceXML struct {
	Type   string             `xml:"type,attr"`
	MAC    macXML             `xml:"mac"`
	Source interfaceSourceXML `xml:"source"`
	Model  modelXML           `xml:"model"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type interfaceSourceXML struct {
	Network string `xml:"network,attr"`
}

type modelXML struct {
	Type string `xml:"type,attr"`
}

type hostdevXML struct {
	Mode    string           `xml:"mode,attr"`
	Type    string           `xml:"type,attr"`
	Managed string           `xml:"managed,attr"`
	Source  hostdevSourceXML `xml:"source"`
}

type hostdevSourceXML struct {
	Address pciAddressXML `xml:"address"`
}

type pciAddressXML struct {
	Domain   string `xml:"domain,attr"`
	Bus      string `xml:"bus,attr"`
	Slot     string `xml:"slot,attr"`
	Function string `xml:"function,attr"`
}

type consoleXML struct {
	Type   string           `xml:"type,attr"`
	Target consoleTargetXML `xml:"target"`
}

type consoleTargetXML struct {
	Type string `xml:"type,attr"`
	Port string `xml:"port,attr"`
}
