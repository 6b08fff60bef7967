package domain

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// metadataNamespace is the XML namespace for bivouac metadata.
	metadataNamespace = "https://bivouac.cofront.xyz/instance"

	// metadataKey is the key used to store/retrieve metadata from libvirt.
	metadataKey = "bivouac-instance"
)

// InstanceMetadata is what bivouac records on each domain. It lets an
// operator inspecting the hypervisor directly (virsh metadata) see which
// run and campaign a domain belongs to without consulting the ledger.
type InstanceMetadata struct {
	RunUUID      string `yaml:"run_uuid"`
	CampaignName string `yaml:"campaign_name"`
	SSHPort      int    `yaml:"ssh_port"`
	WorkDir      string `yaml:"work_dir"`
}

// instanceMetadataXML wraps the YAML payload for libvirt's custom
// metadata element. YAML inside XML keeps the payload readable when
// dumping the domain XML directly.
type instanceMetadataXML struct {
	XMLName xml.Name `xml:"instance"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",innerxml"`
}

// storeMetadata saves instance metadata on a defined domain.
func storeMetadata(client LibvirtClient, dom libvirt.Domain, meta InstanceMetadata) error {
	yamlData, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal instance metadata to YAML: %w", err)
	}

	payload := instanceMetadataXML{
		Xmlns: metadataNamespace,
		YAML:  string(yamlData),
	}

	xmlData, err := xml.MarshalIndent(payload, "  ", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance metadata to XML: %w", err)
	}

	err = client.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{metadataKey},
		libvirt.OptString{metadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// InstanceInfo reads back the metadata stored on a domain together with
// its current liveness. Used by the operator-facing inspection surface.
func (c *Controller) InstanceInfo(ctx context.Context, domainName string) (meta InstanceMetadata, active bool, err error) {
	client, err := c.session(ctx)
	if err != nil {
		return InstanceMetadata{}, false, err
	}
	defer releaseQuietly(client, &err)

	dom, err := client.DomainLookupByName(domainName)
	if err != nil {
		return InstanceMetadata{}, false, fmt.Errorf("failed to look up domain %s: %w", domainName, err)
	}

	state, err := client.DomainIsActive(dom)
	if err != nil {
		return InstanceMetadata{}, false, fmt.Errorf("failed to query state of domain %s: %w", domainName, err)
	}

	xmlStr, err := client.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{metadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return InstanceMetadata{}, false, fmt.Errorf("failed to get metadata of domain %s: %w", domainName, err)
	}

	var payload instanceMetadataXML
	if err := xml.Unmarshal([]byte(xmlStr), &payload); err != nil {
		return InstanceMetadata{}, false, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	if err := yaml.Unmarshal([]byte(payload.YAML), &meta); err != nil {
		return InstanceMetadata{}, false, fmt.Errorf("failed to unmarshal instance metadata YAML: %w", err)
	}

	return meta, state != 0, nil
}
