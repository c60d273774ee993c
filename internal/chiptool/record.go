package chiptool

// Record is one attribute report or command response recovered from a
// chip-tool capture, with numeric identifiers resolved to data model
// names.
type Record struct {
	Node          uint64         `json:"node"`
	Endpoint      uint16         `json:"endpoint"`
	Cluster       string         `json:"cluster,omitempty"`
	Attribute     string         `json:"attribute,omitempty"`
	Command       string         `json:"command,omitempty"`
	Value         any            `json:"value,omitempty"`
	CommandFields map[string]any `json:"command_fields,omitempty"`
	Status        string         `json:"status,omitempty"`
	RawData       any            `json:"raw_data,omitempty"`
}

// Resolver resolves numeric cluster, attribute and command identifiers
// to their data model names. *datamodel.Dictionary implements it.
type Resolver interface {
	ClusterNameByID(id uint32) (string, bool)
	AttributeNameByCode(clusterID, code uint32) (string, bool)
	CommandNameByCode(clusterID, code uint32) (string, bool)
}
