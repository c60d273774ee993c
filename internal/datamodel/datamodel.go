// Package datamodel loads the Matter cluster and device-type
// definitions from the SDK's ZAP XML files and answers the name and
// code lookups the rest of the bridge depends on.
//
// Identifiers are normalized to numbers at load time, so lookups never
// depend on how a particular XML file pads its hex codes.
package datamodel

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// HexID is a numeric Matter identifier that renders as 0x-prefixed hex
// in JSON, matching the code strings carried by the ZAP XML files.
type HexID uint32

func (h HexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%04x", uint32(h)))
}

// CommandID is like HexID but renders with two hex digits, the width
// ZAP uses for command codes.
type CommandID uint32

func (c CommandID) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%02x", uint32(c)))
}

// Attribute describes one cluster attribute. Name is the CamelCase
// form derived from the ZAP define (ON_OFF becomes OnOff); attributes
// without a define keep an empty name and are skipped by consumers.
type Attribute struct {
	Code     HexID  `json:"code"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Define   string `json:"define"`
	Writable bool   `json:"writable"`
	Optional bool   `json:"optional"`
	Side     string `json:"side"`
}

// CommandArg is a single argument of a cluster command.
type CommandArg struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Command describes one cluster command.
type Command struct {
	Code   CommandID    `json:"code"`
	Name   string       `json:"name"`
	Source string       `json:"source"`
	Args   []CommandArg `json:"args"`
}

// EnumItem is one member of a ZAP enum.
type EnumItem struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// Enum describes a ZAP enum and the clusters it belongs to.
type Enum struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Items    []EnumItem `json:"items"`
	clusters []uint32
}

// Cluster is one Matter cluster definition.
type Cluster struct {
	ID         HexID       `json:"id"`
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes"`
	Commands   []Command   `json:"commands"`
	Enums      []Enum      `json:"enums"`
}

// DeviceType maps a Matter device type to the cluster names a device
// of that type is required to serve.
type DeviceType struct {
	ID       HexID    `json:"id"`
	Name     string   `json:"name"`
	Clusters []string `json:"clusters"`
}

// Dictionary is the loaded data model. It is immutable after Load and
// safe for concurrent readers.
type Dictionary struct {
	clusters       []*Cluster
	clustersByID   map[uint32]*Cluster
	clustersByName map[string]*Cluster
	deviceTypes    []*DeviceType
	deviceTypeByID map[uint32]*DeviceType
}

// Load parses every cluster XML file in clusterDir plus the device
// type definitions in deviceTypeFile. Files that fail to decode are
// logged and skipped; an unreadable directory or device-type file
// aborts the load.
func Load(clusterDir, deviceTypeFile string, logger *zap.Logger) (*Dictionary, error) {
	d := &Dictionary{
		clustersByID:   make(map[uint32]*Cluster),
		clustersByName: make(map[string]*Cluster),
		deviceTypeByID: make(map[uint32]*DeviceType),
	}

	entries, err := os.ReadDir(clusterDir)
	if err != nil {
		return nil, fmt.Errorf("reading cluster XML directory: %w", err)
	}

	var enums []Enum
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(clusterDir, entry.Name())
		clusters, fileEnums, err := parseClusterFile(path)
		if err != nil {
			logger.Warn("skipping unparseable cluster XML", zap.String("file", path), zap.Error(err))
			continue
		}
		for _, c := range clusters {
			d.clusters = append(d.clusters, c)
			if _, dup := d.clustersByID[uint32(c.ID)]; !dup {
				d.clustersByID[uint32(c.ID)] = c
			}
			if _, dup := d.clustersByName[c.Name]; !dup {
				d.clustersByName[c.Name] = c
			}
		}
		enums = append(enums, fileEnums...)
	}

	// Enums reference their clusters by code; attach them once every
	// cluster has been seen so cross-file references resolve.
	for _, e := range enums {
		for _, code := range e.clusters {
			if c, ok := d.clustersByID[code]; ok {
				c.Enums = append(c.Enums, e)
			}
		}
	}

	if err := d.loadDeviceTypes(deviceTypeFile); err != nil {
		return nil, err
	}

	logger.Info("data model loaded",
		zap.Int("clusters", len(d.clusters)),
		zap.Int("device_types", len(d.deviceTypes)))
	return d, nil
}

// Clusters returns every loaded cluster in file order.
func (d *Dictionary) Clusters() []*Cluster { return d.clusters }

// DeviceTypes returns every loaded device type in file order.
func (d *Dictionary) DeviceTypes() []*DeviceType { return d.deviceTypes }

// ClusterByName returns the cluster with the given pretty name.
func (d *Dictionary) ClusterByName(name string) (*Cluster, bool) {
	c, ok := d.clustersByName[name]
	return c, ok
}

// ClusterByID returns the cluster with the given numeric id.
func (d *Dictionary) ClusterByID(id uint32) (*Cluster, bool) {
	c, ok := d.clustersByID[id]
	return c, ok
}

// ClusterNameByID resolves a numeric cluster id to its pretty name.
func (d *Dictionary) ClusterNameByID(id uint32) (string, bool) {
	if c, ok := d.clustersByID[id]; ok {
		return c.Name, true
	}
	return "", false
}

// AttributeNameByCode resolves an attribute code within a cluster to
// the attribute's CamelCase name.
func (d *Dictionary) AttributeNameByCode(clusterID, code uint32) (string, bool) {
	c, ok := d.clustersByID[clusterID]
	if !ok {
		return "", false
	}
	for _, a := range c.Attributes {
		if uint32(a.Code) == code && a.Name != "" {
			return a.Name, true
		}
	}
	return "", false
}

// CommandNameByCode resolves a command code within a cluster.
func (d *Dictionary) CommandNameByCode(clusterID, code uint32) (string, bool) {
	c, ok := d.clustersByID[clusterID]
	if !ok {
		return "", false
	}
	for _, cmd := range c.Commands {
		if uint32(cmd.Code) == code {
			return cmd.Name, true
		}
	}
	return "", false
}

// AttributesByClusterName returns the attributes of the named cluster,
// or nil when the cluster is unknown.
func (d *Dictionary) AttributesByClusterName(name string) []Attribute {
	if c, ok := d.clustersByName[name]; ok {
		return c.Attributes
	}
	return nil
}

// AttributeTypeByName returns the ZAP type string of an attribute
// addressed by cluster and attribute name.
func (d *Dictionary) AttributeTypeByName(clusterName, attributeName string) (string, bool) {
	c, ok := d.clustersByName[clusterName]
	if !ok {
		return "", false
	}
	for _, a := range c.Attributes {
		if a.Name == attributeName {
			return a.Type, true
		}
	}
	return "", false
}

// EnumsByClusterName returns the enums attached to the named cluster.
func (d *Dictionary) EnumsByClusterName(name string) []Enum {
	if c, ok := d.clustersByName[name]; ok {
		return c.Enums
	}
	return nil
}

// ClustersByDeviceType returns the cluster names a device type serves,
// or nil for an unknown device type.
func (d *Dictionary) ClustersByDeviceType(deviceTypeID uint32) []string {
	if dt, ok := d.deviceTypeByID[deviceTypeID]; ok {
		return dt.Clusters
	}
	return nil
}

// DeviceTypeByID returns the device type with the given numeric id.
func (d *Dictionary) DeviceTypeByID(id uint32) (*DeviceType, bool) {
	dt, ok := d.deviceTypeByID[id]
	return dt, ok
}

// ── XML decoding ─────────────────────────────────────────────────────

type xmlConfigurator struct {
	Clusters []xmlCluster `xml:"cluster"`
	Enums    []xmlEnum    `xml:"enum"`
}

type xmlCluster struct {
	Name       string         `xml:"name"`
	Code       string         `xml:"code"`
	Attributes []xmlAttribute `xml:"attribute"`
	Commands   []xmlCommand   `xml:"command"`
}

type xmlAttribute struct {
	Code     string `xml:"code,attr"`
	Define   string `xml:"define,attr"`
	Type     string `xml:"type,attr"`
	Writable string `xml:"writable,attr"`
	Optional string `xml:"optional,attr"`
	Side     string `xml:"side,attr"`
}

type xmlCommand struct {
	Code   string   `xml:"code,attr"`
	Name   string   `xml:"name,attr"`
	Source string   `xml:"source,attr"`
	Args   []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type xmlEnum struct {
	Name     string           `xml:"name,attr"`
	Type     string           `xml:"type,attr"`
	Clusters []xmlClusterCode `xml:"cluster"`
	Items    []xmlEnumItem    `xml:"item"`
}

type xmlClusterCode struct {
	Code string `xml:"code,attr"`
}

type xmlEnumItem struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlDeviceTypes struct {
	DeviceTypes []xmlDeviceType `xml:"deviceType"`
}

type xmlDeviceType struct {
	DeviceID string      `xml:"deviceId"`
	TypeName string      `xml:"typeName"`
	Clusters xmlIncludes `xml:"clusters"`
}

type xmlIncludes struct {
	Includes []xmlInclude `xml:"include"`
}

type xmlInclude struct {
	Cluster      string `xml:"cluster,attr"`
	ServerLocked string `xml:"serverLocked,attr"`
}

func parseClusterFile(path string) ([]*Cluster, []Enum, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var doc xmlConfigurator
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}

	var clusters []*Cluster
	for _, xc := range doc.Clusters {
		code, err := parseCode(xc.Code)
		if err != nil {
			continue
		}
		c := &Cluster{ID: HexID(code), Name: xc.Name}
		for _, xa := range xc.Attributes {
			attrCode, err := parseCode(xa.Code)
			if err != nil {
				continue
			}
			c.Attributes = append(c.Attributes, Attribute{
				Code:     HexID(attrCode),
				Name:     camelCase(xa.Define),
				Type:     xa.Type,
				Define:   xa.Define,
				Writable: xa.Writable == "true",
				Optional: xa.Optional == "true",
				Side:     xa.Side,
			})
		}
		for _, xcmd := range xc.Commands {
			cmdCode, err := parseCode(xcmd.Code)
			if err != nil {
				continue
			}
			cmd := Command{Code: CommandID(cmdCode), Name: xcmd.Name, Source: xcmd.Source}
			for _, arg := range xcmd.Args {
				cmd.Args = append(cmd.Args, CommandArg{Name: arg.Name, Type: arg.Type})
			}
			c.Commands = append(c.Commands, cmd)
		}
		clusters = append(clusters, c)
	}

	var enums []Enum
	for _, xe := range doc.Enums {
		e := Enum{Name: xe.Name, Type: xe.Type}
		for _, cc := range xe.Clusters {
			code, err := parseCode(cc.Code)
			if err != nil {
				continue
			}
			e.clusters = append(e.clusters, code)
		}
		for _, item := range xe.Items {
			v, err := parseValue(item.Value)
			if err != nil {
				continue
			}
			e.Items = append(e.Items, EnumItem{Name: item.Name, Value: v})
		}
		enums = append(enums, e)
	}

	return clusters, enums, nil
}

func (d *Dictionary) loadDeviceTypes(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading device type XML: %w", err)
	}

	var doc xmlDeviceTypes
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing device type XML: %w", err)
	}

	for _, xdt := range doc.DeviceTypes {
		id, err := parseCode(strings.TrimSpace(xdt.DeviceID))
		if err != nil {
			continue
		}
		dt := &DeviceType{ID: HexID(id), Name: xdt.TypeName}
		for _, inc := range xdt.Clusters.Includes {
			if inc.Cluster != "" && inc.ServerLocked == "true" {
				dt.Clusters = append(dt.Clusters, inc.Cluster)
			}
		}
		d.deviceTypes = append(d.deviceTypes, dt)
		if _, dup := d.deviceTypeByID[id]; !dup {
			d.deviceTypeByID[id] = dt
		}
	}
	return nil
}

// parseCode accepts the hex (0x-prefixed) and decimal identifier
// spellings that appear in ZAP XML.
func parseCode(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty code")
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func parseValue(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(s, 0, 64)
}

// camelCase converts a ZAP define such as ON_OFF to OnOff. An empty
// define yields an empty name.
func camelCase(define string) string {
	if define == "" {
		return ""
	}
	parts := strings.Split(define, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(strings.ToLower(p[1:]))
	}
	return b.String()
}
